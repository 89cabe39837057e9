package agentclient

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryStatus tags an optimistic view entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryConfirmed EntryStatus = "confirmed"
)

// ViewEntry is one optimistic record shown on the agent's screen before
// the durable store has confirmed it. CorrelationID is client-generated:
// reconciliation never keys on the provider call id, which may not exist
// yet for outbound-initiated actions.
type ViewEntry struct {
	CorrelationID string          `json:"correlation_id"`
	Key           string          `json:"key"`
	Status        EntryStatus     `json:"status"`
	Record        json.RawMessage `json:"record"`
	StagedAt      time.Time       `json:"staged_at"`
}

// Projection is the client-side optimistic view over slot and transfer
// records. Entries are staged when the agent initiates an action and
// reconciled against the feed's eventual record by entity key; a staged
// entry that is never confirmed is discarded by the caller.
type Projection struct {
	mu      sync.Mutex
	entries map[string]*ViewEntry
	clock   func() time.Time
}

func NewProjection() *Projection {
	return &Projection{
		entries: make(map[string]*ViewEntry),
		clock:   time.Now,
	}
}

// Stage records a pending entry for key and returns its correlation id.
// Staging over an existing entry for the same key replaces it.
func (p *Projection) Stage(key string, record any) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := &ViewEntry{
		CorrelationID: uuid.NewString(),
		Key:           key,
		Status:        EntryPending,
		Record:        raw,
		StagedAt:      p.clock().UTC(),
	}
	p.entries[key] = entry
	return entry.CorrelationID, nil
}

// Reconcile confirms the entry for key with the store's record, keeping
// the original correlation id. A record arriving with no staged entry is
// inserted as confirmed directly; the store is authoritative either way.
func (p *Projection) Reconcile(key string, record json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[key]; ok {
		entry.Status = EntryConfirmed
		entry.Record = record
		return
	}
	p.entries[key] = &ViewEntry{
		CorrelationID: uuid.NewString(),
		Key:           key,
		Status:        EntryConfirmed,
		Record:        record,
		StagedAt:      p.clock().UTC(),
	}
}

// Discard drops the entry for key, pending or confirmed.
func (p *Projection) Discard(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// Get returns the entry for key.
func (p *Projection) Get(key string) (ViewEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		return ViewEntry{}, false
	}
	return *entry, true
}

// Pending lists staged entries the store has not confirmed yet.
func (p *Projection) Pending() []ViewEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ViewEntry
	for _, entry := range p.entries {
		if entry.Status == EntryPending {
			out = append(out, *entry)
		}
	}
	return out
}
