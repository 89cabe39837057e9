package telephony

import (
	"context"
	"fmt"
	"sync"

	"switchdesk/internal/session"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// TwilioProvider drives call legs and conference bridges through the Twilio
// REST API. Webhook/status-callback traffic comes in through webhook.go.
//
// Twilio notes:
// - A conference materializes when its first participant dials in; there is
//   no standalone create call, so CreateConference only validates the name.
// - Accepting an inbound leg happens in the agent's Voice SDK client, not
//   over REST; the accepted status callback tells us when it happened.
type TwilioProvider struct {
	client *twilio.RestClient

	// callerID is the E.164 number presented on outbound dials.
	callerID string

	// statusCallbackURL receives lifecycle callbacks for legs we originate.
	statusCallbackURL string

	mu sync.Mutex
	// legConference tracks which conference a leg was last joined to, for
	// participant-level mute/hold updates.
	legConference map[string]string
}

type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	CallerID          string
	StatusCallbackURL string
}

func NewTwilioProvider(cfg TwilioConfig) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{
		client:            client,
		callerID:          cfg.CallerID,
		statusCallbackURL: cfg.StatusCallbackURL,
		legConference:     make(map[string]string),
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	// Listing zero calls is the cheapest authenticated round-trip.
	params := &twilioApi.ListCallParams{}
	params.SetLimit(1)
	if _, err := p.client.Api.ListCall(params); err != nil {
		return p.wrap("health check", err)
	}
	return nil
}

func (p *TwilioProvider) Ring(ctx context.Context, req RingRequest) (string, error) {
	if req.To == "" {
		return "", fmt.Errorf("%w: ring requires a destination", session.ErrInvalidArgument)
	}
	from := req.From
	if from == "" {
		from = p.callerID
	}

	// The dialed party hears ringback until the agent leg is bridged.
	answer, err := twiml.Voice([]twiml.Element{
		&twiml.VoicePause{Length: "60"},
	})
	if err != nil {
		return "", p.wrap("ring twiml", err)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetTwiml(answer)
	if req.Timeout > 0 {
		params.SetTimeout(int(req.Timeout.Seconds()))
	}
	if req.Record {
		params.SetRecord(true)
	}
	if p.statusCallbackURL != "" {
		params.SetStatusCallback(p.statusCallbackURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	resp, err := p.client.Api.CreateCall(params)
	if err != nil {
		return "", p.wrap("create call", err)
	}
	if resp.Sid == nil {
		return "", p.wrap("create call", fmt.Errorf("no call sid returned"))
	}
	return *resp.Sid, nil
}

// Accept is a no-op for Twilio: the agent's Voice SDK client answers the
// leg and the accepted status callback confirms it.
func (p *TwilioProvider) Accept(ctx context.Context, legID string) error { return nil }

func (p *TwilioProvider) Reject(ctx context.Context, legID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("canceled")
	if _, err := p.client.Api.UpdateCall(legID, params); err != nil {
		return p.wrap("reject", err)
	}
	return nil
}

func (p *TwilioProvider) Mute(ctx context.Context, legID string, muted bool) error {
	p.mu.Lock()
	conference := p.legConference[legID]
	p.mu.Unlock()
	if conference == "" {
		// Direct-audio mute happens in the agent's client SDK.
		return nil
	}
	params := &twilioApi.UpdateParticipantParams{}
	params.SetMuted(muted)
	if _, err := p.client.Api.UpdateParticipant(conference, legID, params); err != nil {
		return p.wrap("mute", err)
	}
	return nil
}

func (p *TwilioProvider) Disconnect(ctx context.Context, legID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.client.Api.UpdateCall(legID, params); err != nil {
		return p.wrap("disconnect", err)
	}
	p.forgetLeg(legID)
	return nil
}

func (p *TwilioProvider) CreateConference(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: conference name required", session.ErrInvalidArgument)
	}
	// Twilio conferences come into existence when the first participant
	// joins; nothing to provision ahead of time.
	return nil
}

// conferenceTwiML renders the redirect document that drops a leg into the
// named conference without tearing it down when other parties leave.
func conferenceTwiML(name string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceDial{
			InnerElements: []twiml.Element{
				&twiml.VoiceConference{
					Name:                   name,
					StartConferenceOnEnter: "true",
					EndConferenceOnExit:    "false",
				},
			},
		},
	})
}

func (p *TwilioProvider) JoinConference(ctx context.Context, legID, name string) error {
	hold, err := conferenceTwiML(name)
	if err != nil {
		return p.wrap("conference twiml", err)
	}

	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(hold)
	if _, err := p.client.Api.UpdateCall(legID, params); err != nil {
		return p.wrap("join conference", err)
	}

	p.mu.Lock()
	p.legConference[legID] = name
	p.mu.Unlock()
	return nil
}

func (p *TwilioProvider) LeaveConference(ctx context.Context, legID string) error {
	// Redirecting the leg to new TwiML removes it from the conference.
	wait, err := twiml.Voice([]twiml.Element{
		&twiml.VoicePause{Length: "60"},
	})
	if err != nil {
		return p.wrap("leave twiml", err)
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(wait)
	if _, err := p.client.Api.UpdateCall(legID, params); err != nil {
		return p.wrap("leave conference", err)
	}
	p.forgetLeg(legID)
	return nil
}

// ConnectToAgent redirects a leg to direct audio with an agent's client
// device. Used by unpark and transfer acceptance.
func (p *TwilioProvider) ConnectToAgent(ctx context.Context, legID, agentID string) error {
	dial, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceDial{
			InnerElements: []twiml.Element{
				&twiml.VoiceClient{Identity: agentID},
			},
		},
	})
	if err != nil {
		return p.wrap("connect twiml", err)
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(dial)
	if _, err := p.client.Api.UpdateCall(legID, params); err != nil {
		return p.wrap("connect to agent", err)
	}
	p.forgetLeg(legID)
	return nil
}

func (p *TwilioProvider) StartRecording(ctx context.Context, legID string) (string, error) {
	params := &twilioApi.CreateCallRecordingParams{}
	resp, err := p.client.Api.CreateCallRecording(legID, params)
	if err != nil {
		return "", p.wrap("start recording", err)
	}
	if resp.Sid == nil {
		return "", p.wrap("start recording", fmt.Errorf("no recording sid returned"))
	}
	return *resp.Sid, nil
}

func (p *TwilioProvider) forgetLeg(legID string) {
	p.mu.Lock()
	delete(p.legConference, legID)
	p.mu.Unlock()
}

func (p *TwilioProvider) wrap(op string, err error) error {
	return fmt.Errorf("%w: twilio %s: %v", session.ErrTransport, op, err)
}
