package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mull2536/call-agent/internal/convai"
	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/observability"
	"github.com/mull2536/call-agent/internal/protocol"
	"github.com/mull2536/call-agent/internal/telephony"
)

// Provider is the read side of the AI provider API.
type Provider interface {
	ListConversations(ctx context.Context) ([]convai.ConversationSummary, error)
	GetConversation(ctx context.Context, conversationID string) (convai.ConversationDetail, error)
}

// CallController hangs up the telephony leg of a conversation the provider
// has finished with.
type CallController interface {
	Terminate(ctx context.Context, callSID string) (telephony.Call, error)
}

type Broadcaster interface {
	Broadcast(msgType protocol.MessageType, message, correlationID string) int
}

type Options struct {
	Interval time.Duration
	// MissThreshold is how many consecutive snapshots may omit an observed
	// conversation before it is ended locally.
	MissThreshold int

	Provider Provider
	Registry *conversation.Registry
	Hub      Broadcaster
	// Calls is optional; without it ended conversations leave the phone
	// call to the telephony provider.
	Calls       CallController
	HangupAfter time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Poller reconciles the registry against the provider's conversation list.
// Tick is not safe for concurrent use; Run calls it from a single goroutine.
type Poller struct {
	opts Options

	// Terminal conversations whose transcript fetch has not succeeded yet.
	detailPending map[string]bool
}

func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.MissThreshold <= 0 {
		opts.MissThreshold = 2
	}
	if opts.HangupAfter <= 0 {
		opts.HangupAfter = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Poller{opts: opts, detailPending: make(map[string]bool)}
}

// Run ticks at a fixed cadence until ctx is cancelled. Tick errors are
// logged and never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	p.opts.Logger.Info("reconciliation poller started", "interval", p.opts.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.opts.Logger.Warn("reconciliation tick failed", "error", err)
			}
		}
	}
}

// Tick runs one reconciliation pass.
func (p *Poller) Tick(ctx context.Context) error {
	started := time.Now()
	defer func() {
		p.opts.Metrics.ObserveStage(observability.StagePollTick, time.Since(started))
		p.opts.Metrics.SetTrackedConversations(p.opts.Registry.Count())
	}()

	snapshot, err := p.opts.Provider.ListConversations(ctx)
	if err != nil {
		if errors.Is(err, convai.ErrRateLimited) {
			p.opts.Logger.Warn("provider rate limited; keeping poll cadence", "error", err)
			p.opts.Metrics.ObserveProviderError("elevenlabs", "rate_limited")
			p.opts.Metrics.ObservePollTick("rate_limited")
			return nil
		}
		p.opts.Metrics.ObserveProviderError("elevenlabs", "list_failed")
		p.opts.Metrics.ObservePollTick("error")
		return fmt.Errorf("list conversations: %w", err)
	}

	p.prunePending()

	active := p.opts.Registry.Active()
	if len(snapshot) == 0 {
		for _, c := range active {
			if c.Observed || c.ConversationID != "" {
				p.forceEnd(ctx, c, conversation.ReasonProviderCleared)
			}
		}
		p.opts.Metrics.ObservePollTick("ok")
		return nil
	}

	seen := make(map[string]bool, len(snapshot))
	for _, item := range snapshot {
		c := p.match(item)
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		if c.ConversationID == "" || (c.CallSID == "" && item.CallSID != "") {
			_ = p.opts.Registry.Link(c.ID, item.ConversationID, item.CallSID)
			c.ConversationID = item.ConversationID
			if c.CallSID == "" {
				c.CallSID = item.CallSID
			}
		}
		_ = p.opts.Registry.MarkObserved(c.ID)
		p.reconcile(ctx, c, item)
	}

	for _, c := range active {
		if seen[c.ID] || (!c.Observed && c.ConversationID == "") {
			continue
		}
		misses, err := p.opts.Registry.RecordMiss(c.ID)
		if err != nil {
			continue
		}
		if misses >= p.opts.MissThreshold {
			p.forceEnd(ctx, c, conversation.ReasonProviderMissing)
		}
	}

	p.opts.Metrics.ObservePollTick("ok")
	return nil
}

// match finds the registry record a provider conversation belongs to, by
// provider conversation id first and call id second.
func (p *Poller) match(item convai.ConversationSummary) *conversation.Conversation {
	if c, err := p.opts.Registry.Get(item.ConversationID); err == nil {
		return c
	}
	if item.CallSID != "" {
		if c, err := p.opts.Registry.Get(item.CallSID); err == nil {
			return c
		}
	}
	return nil
}

func (p *Poller) reconcile(ctx context.Context, c *conversation.Conversation, item convai.ConversationSummary) {
	prev := c.ProviderStatus
	if prev == "" {
		// Tracked records start out as live conversations.
		prev = convai.StatusInProgress
	}
	if item.Status != prev {
		_, _ = p.opts.Registry.SetProviderStatus(c.ID, item.Status)
		p.opts.Logger.Info("provider conversation status changed", "id", c.ID, "conversation_id", item.ConversationID, "from", prev, "to", item.Status)
		p.broadcast(protocol.TypeConversationStatus, item.Status, c.ID)
		if convai.IsTerminalStatus(item.Status) {
			p.detailPending[c.ID] = true
		}
	} else if c.ProviderStatus == "" {
		_, _ = p.opts.Registry.SetProviderStatus(c.ID, item.Status)
	}

	if !p.detailPending[c.ID] {
		return
	}
	detail, err := p.opts.Provider.GetConversation(ctx, item.ConversationID)
	if err != nil {
		p.opts.Logger.Warn("fetch conversation detail failed; retrying next tick", "id", c.ID, "conversation_id", item.ConversationID, "error", err)
		p.opts.Metrics.ObserveProviderError("elevenlabs", "detail_failed")
		return
	}
	delete(p.detailPending, c.ID)
	p.replay(c.ID, detail)

	reason := conversation.ReasonCompleted
	if item.Status == convai.StatusFailed {
		reason = conversation.ReasonFailed
	}
	if ended, changed, err := p.opts.Registry.End(c.ID, reason); err == nil && changed {
		p.opts.Logger.Info("conversation ended by provider", "id", c.ID, "status", item.Status)
		p.hangup(ctx, ended)
	}
}

// replay broadcasts the transcript entries past the record's cursor, each
// once. Only entries with a known speaker and text occupy a cursor slot, the
// same slots NoteTranscript hands out for live events.
func (p *Poller) replay(id string, detail convai.ConversationDetail) {
	start := detail.StartTime()
	events := make([]protocol.TranscriptEvent, 0, len(detail.Transcript))
	for _, entry := range detail.Transcript {
		speaker, ok := protocol.SpeakerFromRole(entry.Role)
		if !ok || entry.Message == "" {
			continue
		}
		events = append(events, protocol.TranscriptEvent{
			ConversationID: detail.ConversationID,
			Speaker:        speaker,
			Text:           entry.Message,
			Timestamp:      start.Add(time.Duration(entry.TimeInCallSecs * float64(time.Second))),
			Origin:         protocol.OriginReconciled,
		})
	}
	if len(events) == 0 {
		return
	}
	last := len(events) - 1
	prev, err := p.opts.Registry.AdvanceCursor(id, last)
	if err != nil || prev >= last {
		return
	}
	pending := events[prev+1:]
	for _, ev := range pending {
		p.broadcast(ev.BroadcastType(), ev.Text, id)
	}
	p.opts.Metrics.ObserveReconciledEvents(len(pending))
	p.opts.Logger.Debug("replayed transcript events", "id", id, "events", len(pending), "cursor", last)
}

func (p *Poller) forceEnd(ctx context.Context, c *conversation.Conversation, reason string) {
	ended, changed, err := p.opts.Registry.End(c.ID, reason)
	if err != nil || !changed {
		return
	}
	p.opts.Logger.Info("conversation force-ended by reconciliation", "id", c.ID, "reason", reason)
	p.broadcast(protocol.TypeConversationStatus, "ended: "+reason, c.ID)
	p.hangup(ctx, ended)
}

// hangup asks the telephony provider to end the call behind a conversation
// that just ended here. Failures are logged; the local record stays ended.
func (p *Poller) hangup(ctx context.Context, c *conversation.Conversation) {
	if p.opts.Calls == nil || c == nil || c.CallSID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.HangupAfter)
	defer cancel()
	call, err := p.opts.Calls.Terminate(ctx, c.CallSID)
	if err != nil {
		p.opts.Logger.Warn("terminate call failed", "id", c.ID, "call_sid", c.CallSID, "error", err)
		p.opts.Metrics.ObserveProviderError("twilio", "terminate_failed")
		return
	}
	p.opts.Metrics.ObserveCallEvent("hangup_requested")
	p.opts.Logger.Info("telephony call terminated", "id", c.ID, "call_sid", c.CallSID, "status", call.Status)
}

// prunePending drops detail fetches for records the registry no longer holds.
func (p *Poller) prunePending() {
	for id := range p.detailPending {
		if _, err := p.opts.Registry.Get(id); err != nil {
			delete(p.detailPending, id)
		}
	}
}

func (p *Poller) broadcast(msgType protocol.MessageType, message, correlationID string) {
	if p.opts.Hub == nil {
		return
	}
	p.opts.Hub.Broadcast(msgType, message, correlationID)
}
