package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// End reasons set by the service itself.
const (
	ReasonCompleted       = "completed"
	ReasonFailed          = "failed"
	ReasonTimeout         = "timeout"
	ReasonProviderCleared = "provider_cleared"
	ReasonProviderMissing = "provider_missing"
	ReasonHangup          = "hangup"
)

var ErrNotFound = errors.New("conversation not found")

// Conversation is the tracked state of one call/conversation pair.
type Conversation struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CallSID        string    `json:"call_sid,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Status         Status    `json:"status"`
	ProviderStatus string    `json:"provider_status,omitempty"`
	EndReason      string    `json:"end_reason,omitempty"`
	MessageCount   int       `json:"message_count"`
	Cursor         int       `json:"cursor"`
	Observed       bool      `json:"observed"`
	Misses         int       `json:"-"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

type Options struct {
	GracePeriod time.Duration
	MaxTracked  int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Registry is the in-memory store of tracked conversations. Every method is
// synchronous and performs its whole mutation under one lock, so readers
// never observe a half-applied update.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Conversation
	aliases map[string]string

	gracePeriod time.Duration
	maxTracked  int
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(opts Options) *Registry {
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	if opts.MaxTracked <= 0 {
		opts.MaxTracked = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		records:     make(map[string]*Conversation),
		aliases:     make(map[string]string),
		gracePeriod: opts.GracePeriod,
		maxTracked:  opts.MaxTracked,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// Start tracks a new conversation. Calling it again for a known id (or alias)
// returns the existing record unchanged.
func (r *Registry) Start(id, phone string) (*Conversation, bool) {
	id = strings.TrimSpace(id)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.lookupLocked(id); ok {
		r.logger.Warn("conversation already tracked", "id", id, "status", c.Status)
		return clone(c), false
	}
	if len(r.records) >= r.maxTracked {
		r.evictEndedLocked(len(r.records) - r.maxTracked + 1)
		if len(r.records) >= r.maxTracked {
			r.logger.Warn("conversation registry over capacity", "tracked", len(r.records), "max", r.maxTracked)
		}
	}
	c := &Conversation{
		ID:             id,
		Phone:          strings.TrimSpace(phone),
		Status:         StatusActive,
		Cursor:         -1,
		StartedAt:      now,
		LastActivityAt: now,
	}
	r.records[id] = c
	return clone(c), true
}

func (r *Registry) Get(id string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// Link attaches the provider conversation id (and optionally the call leg id)
// to a tracked record so either can be used to find it.
func (r *Registry) Link(id, conversationID, callSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		r.logger.Warn("link on untracked conversation", "id", id, "conversation_id", conversationID)
		return ErrNotFound
	}
	if conversationID = strings.TrimSpace(conversationID); conversationID != "" {
		c.ConversationID = conversationID
		r.aliasLocked(conversationID, c.ID)
	}
	if callSID = strings.TrimSpace(callSID); callSID != "" {
		c.CallSID = callSID
		r.aliasLocked(callSID, c.ID)
	}
	return nil
}

// End marks a conversation ended. The first terminal signal wins: ending an
// already ended record returns it unchanged with changed=false.
func (r *Registry) End(id, reason string) (*Conversation, bool, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		r.logger.Warn("end on untracked conversation", "id", id, "reason", reason)
		return nil, false, ErrNotFound
	}
	if c.Status == StatusEnded {
		if reason != c.EndReason {
			r.logger.Debug("ignoring later end signal", "id", c.ID, "reason", reason, "kept", c.EndReason)
		}
		return clone(c), false, nil
	}
	c.Status = StatusEnded
	c.EndReason = reason
	c.EndedAt = now
	c.LastActivityAt = now
	return clone(c), true, nil
}

func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		r.logger.Warn("touch on untracked conversation", "id", id)
		return ErrNotFound
	}
	c.LastActivityAt = r.now()
	c.MessageCount++
	return nil
}

// NoteTranscript records a transcript event that was already broadcast live:
// it touches the record and moves the cursor one event forward.
func (r *Registry) NoteTranscript(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		r.logger.Warn("transcript on untracked conversation", "id", id)
		return 0, ErrNotFound
	}
	c.LastActivityAt = r.now()
	c.MessageCount++
	c.Cursor++
	return c.Cursor, nil
}

// AdvanceCursor moves the transcript cursor forward to idx and returns the
// cursor it replaced. It never moves backwards; entries gained this way count
// towards MessageCount and activity, so callers broadcast exactly the entries
// after the returned cursor.
func (r *Registry) AdvanceCursor(id string, idx int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return 0, ErrNotFound
	}
	prev := c.Cursor
	if idx <= prev {
		return prev, nil
	}
	c.Cursor = idx
	c.MessageCount += idx - prev
	c.LastActivityAt = r.now()
	return prev, nil
}

// SetProviderStatus caches the provider-reported status and returns the
// previous cached value.
func (r *Registry) SetProviderStatus(id, status string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return "", ErrNotFound
	}
	prev := c.ProviderStatus
	c.ProviderStatus = status
	return prev, nil
}

// MarkObserved records that the provider snapshot contained this record.
func (r *Registry) MarkObserved(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return ErrNotFound
	}
	c.Observed = true
	c.Misses = 0
	return nil
}

// RecordMiss counts one provider snapshot that did not contain the record.
func (r *Registry) RecordMiss(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookupLocked(id)
	if !ok {
		return 0, ErrNotFound
	}
	c.Misses++
	return c.Misses, nil
}

// Sweep force-ends active conversations idle for at least timeout.
func (r *Registry) Sweep(timeout time.Duration) []*Conversation {
	now := r.now()
	var ended []*Conversation

	r.mu.Lock()
	for _, c := range r.records {
		if c.Status != StatusActive {
			continue
		}
		if now.Sub(c.LastActivityAt) < timeout {
			continue
		}
		c.Status = StatusEnded
		c.EndReason = ReasonTimeout
		c.EndedAt = now
		ended = append(ended, clone(c))
	}
	r.mu.Unlock()

	for _, c := range ended {
		r.logger.Info("conversation ended by inactivity sweep", "id", c.ID, "idle", now.Sub(c.LastActivityAt).String())
	}
	return ended
}

// Purge deletes ended records whose grace window has elapsed.
func (r *Registry) Purge() []string {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, c := range r.records {
		if c.Status != StatusEnded || now.Sub(c.EndedAt) < r.gracePeriod {
			continue
		}
		r.deleteLocked(id)
		removed = append(removed, id)
	}
	sort.Strings(removed)
	return removed
}

// StartJanitor sweeps idle conversations and purges expired ones on every tick.
func (r *Registry) StartJanitor(ctx context.Context, interval, inactivityTimeout time.Duration, onSweep func([]*Conversation)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ended := r.Sweep(inactivityTimeout)
				if len(ended) > 0 && onSweep != nil {
					onSweep(ended)
				}
				r.Purge()
			}
		}
	}()
}

// Active returns clones of all active conversations.
func (r *Registry) Active() []*Conversation {
	return r.list(func(c *Conversation) bool { return c.Status == StatusActive })
}

// List returns clones of every tracked conversation ordered by start time.
func (r *Registry) List() []*Conversation {
	return r.list(nil)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) list(keep func(*Conversation) bool) []*Conversation {
	r.mu.RLock()
	out := make([]*Conversation, 0, len(r.records))
	for _, c := range r.records {
		if keep != nil && !keep(c) {
			continue
		}
		out = append(out, clone(c))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) lookupLocked(id string) (*Conversation, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}
	if c, ok := r.records[id]; ok {
		return c, true
	}
	if primary, ok := r.aliases[id]; ok {
		c, ok := r.records[primary]
		return c, ok
	}
	return nil, false
}

func (r *Registry) aliasLocked(alias, primary string) {
	if alias == primary {
		return
	}
	r.aliases[alias] = primary
}

func (r *Registry) deleteLocked(id string) {
	c, ok := r.records[id]
	if !ok {
		return
	}
	delete(r.records, id)
	for _, alias := range []string{c.ConversationID, c.CallSID} {
		if alias != "" && r.aliases[alias] == id {
			delete(r.aliases, alias)
		}
	}
}

func (r *Registry) evictEndedLocked(n int) {
	var ended []*Conversation
	for _, c := range r.records {
		if c.Status == StatusEnded {
			ended = append(ended, c)
		}
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].EndedAt.Before(ended[j].EndedAt) })
	for i := 0; i < n && i < len(ended); i++ {
		r.logger.Debug("evicting ended conversation early", "id", ended[i].ID)
		r.deleteLocked(ended[i].ID)
	}
}

func clone(c *Conversation) *Conversation {
	cp := *c
	return &cp
}
