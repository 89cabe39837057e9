package agentclient

import (
	"log/slog"
	"sync"

	"switchdesk/internal/session"
	"switchdesk/internal/telephony"
)

// Registry hands out one Manager per agent connection, created lazily on
// first use. Managers are independent; the registry lock only guards the
// map.
type Registry struct {
	sessions *session.Service
	provider telephony.Provider
	log      *slog.Logger
	bound    int

	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry(sessions *session.Service, provider telephony.Provider, log *slog.Logger, bound int) *Registry {
	return &Registry{
		sessions: sessions,
		provider: provider,
		log:      log,
		bound:    bound,
		managers: make(map[string]*Manager),
	}
}

func (r *Registry) Manager(tenantID, agentID string) *Manager {
	key := tenantID + "/" + agentID
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[key]
	if !ok {
		m = NewManager(tenantID, agentID, r.sessions, r.provider, r.log, r.bound)
		r.managers[key] = m
	}
	return m
}

// Remove drops an agent's manager, typically when the connection ends.
func (r *Registry) Remove(tenantID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, tenantID+"/"+agentID)
}
