package bridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mull2536/call-agent/internal/convai"
	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/observability"
	"github.com/mull2536/call-agent/internal/protocol"
	"github.com/mull2536/call-agent/internal/store"
	"github.com/mull2536/call-agent/internal/telephony"
)

// Leg is the telephony side of a call: the media stream socket.
type Leg interface {
	WriteJSON(v any) error
	Close() error
}

// Connector opens AI conversation sessions.
type Connector interface {
	Connect(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error)
}

// CallController ends telephony calls on the provider side.
type CallController interface {
	Terminate(ctx context.Context, callSID string) (telephony.Call, error)
}

type Broadcaster interface {
	Broadcast(msgType protocol.MessageType, message, correlationID string) int
}

type Options struct {
	AgentID    string
	SetupDelay time.Duration

	DefaultPrompt       string
	DefaultFirstMessage string

	Connector Connector
	Registry  *conversation.Registry
	Hub       Broadcaster

	// Optional collaborator stores.
	Settings store.SettingsStore
	Contacts store.ContactStore
	History  store.CallHistoryStore
	// Calls hangs up the phone call when the AI side closes first.
	Calls CallController

	Metrics *observability.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager owns every open call leg session.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*CallSession
}

func NewManager(opts Options) *Manager {
	if opts.SetupDelay < 0 {
		opts.SetupDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*CallSession),
	}
}

// Serve bridges one call leg until the socket closes, the call stops or ctx
// is cancelled. frames carries raw socket frames in delivery order and is
// closed by the reader when the socket closes. callHint is the call id the
// leg was opened for, if the transport supplied one.
func (m *Manager) Serve(ctx context.Context, leg Leg, callHint string, frames <-chan []byte) {
	s := newCallSession(m, leg, callHint)

	m.mu.Lock()
	m.sessions[s.ID] = s
	active := len(m.sessions)
	m.mu.Unlock()
	m.opts.Metrics.ObserveCallEvent("leg_connected")
	m.opts.Metrics.SetActiveCalls(active)

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		active := len(m.sessions)
		m.mu.Unlock()
		m.opts.Metrics.ObserveCallEvent("leg_closed")
		m.opts.Metrics.SetActiveCalls(active)
	}()

	s.run(ctx, frames)
}

// SessionInfo is a point-in-time view of one call leg.
type SessionInfo struct {
	ID        string    `json:"id"`
	CallSID   string    `json:"call_sid,omitempty"`
	State     State     `json:"state"`
	Degraded  bool      `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
}

// Sessions lists open call legs ordered by creation time.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// retireStale closes the other legs still ringing for callSID, plus unbound
// configuration-only legs, and returns the first configuration any of them
// held. See retireIfRinging for the rule.
func (m *Manager) retireStale(answering *CallSession, callSID string) *protocol.ConfigureAgent {
	m.mu.Lock()
	others := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != answering {
			others = append(others, s)
		}
	}
	m.mu.Unlock()
	sort.Slice(others, func(i, j int) bool { return others[i].CreatedAt.Before(others[j].CreatedAt) })

	var adopted *protocol.ConfigureAgent
	for _, s := range others {
		cfg, ok := s.retireIfRinging(callSID)
		if !ok {
			continue
		}
		m.opts.Logger.Info("closing stale ringing call leg", "leg_id", s.ID, "answering_leg_id", answering.ID, "call_sid", callSID)
		m.opts.Metrics.ObserveCallEvent("stale_leg_closed")
		m.opts.Metrics.ObserveIndicator("stale_leg_closed")
		if adopted == nil && cfg != nil {
			adopted = cfg
		}
	}
	return adopted
}
