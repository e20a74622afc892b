package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mull2536/call-agent/internal/convai"
	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/observability"
	"github.com/mull2536/call-agent/internal/policy"
	"github.com/mull2536/call-agent/internal/protocol"
	"github.com/mull2536/call-agent/internal/store"
)

type endCause string

const (
	causeStop       endCause = "stop"
	causeHangup     endCause = "socket_closed"
	causeSuperseded endCause = "superseded"
	causeShutdown   endCause = "shutdown"
)

const (
	storeTimeout  = 2 * time.Second
	hangupTimeout = 5 * time.Second
)

type aiResult struct {
	session convai.Session
	err     error
	elapsed time.Duration
}

// CallSession bridges one telephony leg to at most one AI session. All
// fields below mu's group are owned by the run loop goroutine.
type CallSession struct {
	ID        string
	CreatedAt time.Time

	m      *Manager
	leg    Leg
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	callHint  string
	connected bool
	agentCfg  *protocol.ConfigureAgent
	degraded  bool
	retire    chan struct{}

	aiResults     chan aiResult
	done          chan struct{}
	setupStarted  bool
	cancelConnect context.CancelFunc
	ai            convai.Session
	aiEvents      <-chan convai.Event

	callSID        string
	streamSID      string
	phone          string
	direction      string
	contactName    string
	conversationID string
	pending        []string
	unnoted        int
	historyID      string
	answeredAt     time.Time
	aiReadyAt      time.Time
	heardAI        bool
}

func newCallSession(m *Manager, leg Leg, callHint string) *CallSession {
	id := uuid.NewString()
	return &CallSession{
		ID:        id,
		CreatedAt: m.opts.Now(),
		m:         m,
		leg:       leg,
		logger:    m.opts.Logger.With("leg_id", id),
		state:     StateRinging,
		callHint:  strings.TrimSpace(callHint),
		retire:    make(chan struct{}),
		aiResults: make(chan aiResult),
		done:      make(chan struct{}),
	}
}

func (s *CallSession) run(ctx context.Context, frames <-chan []byte) {
	defer close(s.done)

	timer := time.NewTimer(s.m.opts.SetupDelay)
	defer timer.Stop()
	setupC := timer.C

	for {
		if s.setupStarted {
			setupC = nil
		}
		select {
		case <-ctx.Done():
			s.end(causeShutdown)
			return
		case <-s.retire:
			s.end(causeSuperseded)
			return
		case raw, ok := <-frames:
			if !ok {
				s.end(causeHangup)
				return
			}
			if stop := s.handleFrame(ctx, raw); stop {
				s.end(causeStop)
				return
			}
		case <-setupC:
			s.setup(ctx, "delay")
		case res := <-s.aiResults:
			s.handleAIResult(res)
		case ev, ok := <-s.aiEvents:
			if !ok {
				s.handleAIClosed()
				continue
			}
			s.handleAIEvent(ev)
		}
	}
}

func (s *CallSession) handleFrame(ctx context.Context, raw []byte) bool {
	msg, err := protocol.ParseCallLegMessage(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			s.logger.Debug("ignoring call leg frame", "error", err)
		} else {
			s.logger.Warn("invalid call leg frame", "error", err)
		}
		return false
	}

	switch m := msg.(type) {
	case protocol.Connected:
		s.m.opts.Metrics.ObserveWSMessage("media_stream", "inbound", string(protocol.EventConnected))
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.logger.Debug("call leg connected", "protocol", m.Protocol)
	case protocol.ConfigureAgent:
		s.m.opts.Metrics.ObserveWSMessage("media_stream", "inbound", string(protocol.TypeConfigureAgent))
		s.configure(m)
		s.setup(ctx, "configure_agent")
	case protocol.Start:
		s.m.opts.Metrics.ObserveWSMessage("media_stream", "inbound", string(protocol.EventStart))
		s.handleStart(ctx, m)
	case protocol.Media:
		s.forwardAudio(m.Media.Payload)
	case protocol.Stop:
		s.m.opts.Metrics.ObserveWSMessage("media_stream", "inbound", string(protocol.EventStop))
		return true
	}
	return false
}

func (s *CallSession) configure(cfg protocol.ConfigureAgent) {
	s.mu.Lock()
	s.agentCfg = &cfg
	s.mu.Unlock()
	if s.setupStarted {
		s.logger.Info("agent configuration arrived after AI setup; keeping session config")
	}
}

func (s *CallSession) handleStart(ctx context.Context, start protocol.Start) {
	callSID := start.Start.CallSID

	s.mu.Lock()
	next, ok := transition(s.state, triggerStart, s.ai != nil)
	if ok {
		s.state = next
		s.callHint = callSID
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("ignoring start", "state", next, "call_sid", callSID)
		return
	}

	if adopted := s.m.retireStale(s, callSID); adopted != nil {
		s.mu.Lock()
		if s.agentCfg == nil {
			s.agentCfg = adopted
		}
		s.mu.Unlock()
	}

	s.callSID = callSID
	s.streamSID = start.Start.StreamSID
	s.phone = start.Phone()
	s.direction = strings.TrimSpace(start.Start.CustomParameters["direction"])
	if s.direction == "" {
		s.direction = "inbound"
	}
	s.answeredAt = s.m.opts.Now()
	s.logger = s.logger.With("call_sid", callSID)
	s.logger.Info("call answered", "stream_sid", s.streamSID, "state", next, "phone", policy.MaskPhone(s.phone), "direction", s.direction)

	reg := s.m.opts.Registry
	reg.Start(callSID, s.phone)
	_ = reg.Link(callSID, s.conversationID, callSID)
	for ; s.unnoted > 0; s.unnoted-- {
		_, _ = reg.NoteTranscript(callSID)
	}

	s.contactName = s.lookupContact(ctx)
	s.recordStart(ctx)
	s.m.opts.Metrics.ObserveCallEvent("answered")
	s.broadcast(protocol.TypeCallStatus, "call answered")

	if next == StateStreaming {
		s.flush()
	}
	s.setup(ctx, "start")
}

func (s *CallSession) forwardAudio(payload string) {
	if s.currentState() != StateStreaming || s.ai == nil {
		return
	}
	if err := s.ai.SendAudio(payload); err != nil {
		s.logger.Debug("forward audio to AI failed", "error", err)
	}
}

// setup opens the AI session at most once. The connect runs on its own
// goroutine and reports back through aiResults.
func (s *CallSession) setup(ctx context.Context, reason string) {
	if s.setupStarted || s.currentState() == StateEnded {
		return
	}
	s.setupStarted = true

	cfg := s.sessionConfig(ctx)
	connectCtx, cancel := context.WithCancel(ctx)
	s.cancelConnect = cancel
	s.logger.Debug("starting AI setup", "trigger", reason)

	go func() {
		started := time.Now()
		sess, err := s.m.opts.Connector.Connect(connectCtx, cfg)
		res := aiResult{session: sess, err: err, elapsed: time.Since(started)}
		select {
		case s.aiResults <- res:
		case <-s.done:
			if sess != nil {
				_ = sess.Close()
			}
		}
	}()
}

func (s *CallSession) sessionConfig(ctx context.Context) convai.SessionConfig {
	cfg := convai.SessionConfig{
		AgentID:     s.m.opts.AgentID,
		AudioFormat: convai.AudioFormatULaw8k,
	}
	s.mu.Lock()
	if s.agentCfg != nil {
		cfg.Prompt = s.agentCfg.Prompt
		cfg.FirstMessage = s.agentCfg.FirstMessage
	}
	s.mu.Unlock()

	if cfg.Prompt == "" || cfg.FirstMessage == "" {
		prompt, first := s.defaults(ctx)
		if cfg.Prompt == "" {
			cfg.Prompt = prompt
		}
		if cfg.FirstMessage == "" {
			cfg.FirstMessage = first
		}
	}
	if s.contactName != "" && cfg.Prompt != "" {
		cfg.Prompt += fmt.Sprintf("\n\nYou are speaking with %s.", s.contactName)
	}
	return cfg
}

func (s *CallSession) defaults(ctx context.Context) (string, string) {
	prompt, first := s.m.opts.DefaultPrompt, s.m.opts.DefaultFirstMessage
	if s.m.opts.Settings == nil {
		return prompt, first
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	settings, err := s.m.opts.Settings.GetSettings(ctx)
	if err != nil {
		s.logger.Warn("load agent settings failed; using defaults", "error", err)
		return prompt, first
	}
	if strings.TrimSpace(settings.Prompt) != "" {
		prompt = settings.Prompt
	}
	if strings.TrimSpace(settings.FirstMessage) != "" {
		first = settings.FirstMessage
	}
	return prompt, first
}

func (s *CallSession) handleAIResult(res aiResult) {
	if res.err != nil {
		result := "error"
		var connErr *convai.ConnectionError
		if errors.As(res.err, &connErr) && connErr.Timeout {
			result = "timeout"
		}
		s.m.opts.Metrics.ObserveAIConnect(res.elapsed, result)
		s.setDegraded()
		s.m.opts.Metrics.ObserveIndicator("ai_degraded")
		s.logger.Warn("AI connection failed; call continues without AI audio", "error", res.err)
		s.broadcast(protocol.TypeAIError, fmt.Sprintf("AI connection failed: %v", res.err))
		return
	}

	s.ai = res.session
	s.aiEvents = res.session.Events()
	s.aiReadyAt = s.m.opts.Now()
	s.m.opts.Metrics.ObserveAIConnect(res.elapsed, "ok")
	s.broadcast(protocol.TypeAIConnected, "AI session connected")

	s.mu.Lock()
	next, ok := transition(s.state, triggerAIReady, true)
	if ok {
		s.state = next
	}
	s.mu.Unlock()
	if ok {
		s.m.opts.Metrics.ObserveStage(observability.StageAnswerToAIReady, s.aiReadyAt.Sub(s.answeredAt))
		s.flush()
	}
}

func (s *CallSession) handleAIEvent(ev convai.Event) {
	switch ev.Type {
	case convai.EventMetadata:
		s.conversationID = ev.ConversationID
		s.logger.Info("AI conversation started", "conversation_id", ev.ConversationID)
		if s.callSID != "" {
			_ = s.m.opts.Registry.Link(s.callSID, ev.ConversationID, s.callSID)
		}
		s.broadcast(protocol.TypeSystem, "conversation "+ev.ConversationID+" started")
	case convai.EventAudio:
		if !s.heardAI {
			s.heardAI = true
			s.m.opts.Metrics.ObserveStage(observability.StageFirstAIAudio, s.m.opts.Now().Sub(s.aiReadyAt))
		}
		if s.currentState() == StateStreaming {
			s.sendLeg(protocol.NewOutboundMedia(s.streamSID, ev.AudioBase64), "media")
			return
		}
		s.pending = append(s.pending, ev.AudioBase64)
	case convai.EventUserTranscript, convai.EventAgentResponse:
		speaker := protocol.SpeakerUser
		if ev.Type == convai.EventAgentResponse {
			speaker = protocol.SpeakerAgent
		}
		te := protocol.TranscriptEvent{
			ConversationID: s.conversationID,
			Speaker:        speaker,
			Text:           ev.Text,
			Timestamp:      s.m.opts.Now(),
			Origin:         protocol.OriginLive,
		}
		s.broadcast(te.BroadcastType(), te.Text)
		s.noteTranscript()
		if s.logger.Enabled(context.Background(), slog.LevelDebug) {
			text, _ := policy.RedactPII(te.Text)
			s.logger.Debug("transcript", "speaker", te.Speaker, "text", text)
		}
	case convai.EventAgentCorrection:
		s.broadcast(protocol.TypeAgentCorrection, ev.Text)
		if s.callSID != "" {
			_ = s.m.opts.Registry.Touch(s.callSID)
		}
	case convai.EventInterruption:
		s.pending = nil
		if s.streamSID != "" {
			s.sendLeg(protocol.NewOutboundClear(s.streamSID), "clear")
		}
		s.broadcast(protocol.TypeInterruption, "caller interrupted the agent")
	case convai.EventPing:
		// Answered by the AI session itself.
	}
}

func (s *CallSession) handleAIClosed() {
	s.aiEvents = nil
	if s.ai != nil {
		_ = s.ai.Close()
		s.ai = nil
	}
	s.setDegraded()
	s.logger.Info("AI session closed by provider")
	s.broadcast(protocol.TypeSystem, "AI session closed")
	s.hangup()
}

// hangup asks the telephony provider to end an answered call. The leg then
// ends through the usual stop frame or socket close.
func (s *CallSession) hangup() {
	calls := s.m.opts.Calls
	if calls == nil || s.callSID == "" || s.currentState() == StateEnded {
		return
	}
	callSID, logger, metrics := s.callSID, s.logger, s.m.opts.Metrics
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		call, err := calls.Terminate(ctx, callSID)
		if err != nil {
			logger.Warn("terminate call after AI close failed", "error", err)
			metrics.ObserveProviderError("twilio", "terminate_failed")
			return
		}
		metrics.ObserveCallEvent("hangup_requested")
		logger.Info("telephony call terminated after AI close", "status", call.Status)
	}()
}

func (s *CallSession) noteTranscript() {
	if s.callSID == "" {
		s.unnoted++
		return
	}
	_, _ = s.m.opts.Registry.NoteTranscript(s.callSID)
}

// flush writes queued AI audio to the leg in arrival order.
func (s *CallSession) flush() {
	if len(s.pending) == 0 {
		return
	}
	s.logger.Debug("flushing buffered AI audio", "frames", len(s.pending))
	s.m.opts.Metrics.ObserveIndicator("audio_flushed_on_start")
	for _, payload := range s.pending {
		s.sendLeg(protocol.NewOutboundMedia(s.streamSID, payload), "media")
	}
	s.pending = nil
}

func (s *CallSession) sendLeg(frame any, msgType string) {
	if err := s.leg.WriteJSON(frame); err != nil {
		s.logger.Debug("write to call leg failed", "type", msgType, "error", err)
		return
	}
	s.m.opts.Metrics.ObserveWSMessage("media_stream", "outbound", msgType)
}

func (s *CallSession) end(cause endCause) {
	s.mu.Lock()
	prev := s.state
	s.state = StateEnded
	s.mu.Unlock()

	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	if s.ai != nil {
		_ = s.ai.Close()
		s.ai = nil
		s.aiEvents = nil
	}
	_ = s.leg.Close()
	s.pending = nil

	s.logger.Info("call leg ended", "cause", cause, "from_state", prev)
	if s.callSID == "" {
		return
	}

	var reason string
	switch cause {
	case causeStop:
		reason = conversation.ReasonCompleted
	case causeHangup:
		reason = conversation.ReasonHangup
	case causeShutdown:
		s.recordEnd(string(causeShutdown))
		return
	default:
		return
	}
	if _, changed, err := s.m.opts.Registry.End(s.callSID, reason); err == nil && changed {
		s.m.opts.Metrics.ObserveCallEvent("ended")
		s.broadcast(protocol.TypeCallStatus, "call ended: "+reason)
	}
	s.recordEnd(reason)
}

func (s *CallSession) broadcast(msgType protocol.MessageType, message string) {
	if s.m.opts.Hub == nil {
		return
	}
	correlationID := s.callSID
	if correlationID == "" {
		correlationID = s.ID
	}
	s.m.opts.Hub.Broadcast(msgType, message, correlationID)
}

func (s *CallSession) lookupContact(ctx context.Context) string {
	if s.m.opts.Contacts == nil || s.phone == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	c, err := s.m.opts.Contacts.GetByPhone(ctx, s.phone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("contact lookup failed", "error", err)
		}
		return ""
	}
	return c.Name
}

func (s *CallSession) recordStart(ctx context.Context) {
	if s.m.opts.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	rec, err := s.m.opts.History.CreateCall(ctx, store.CallRecord{
		CallSID:        s.callSID,
		ConversationID: s.conversationID,
		Phone:          s.phone,
		ContactName:    s.contactName,
		Direction:      s.direction,
		Status:         "in-progress",
		StartedAt:      s.answeredAt,
	})
	if err != nil {
		s.logger.Warn("create call history record failed", "error", err)
		return
	}
	s.historyID = rec.ID
}

// recordEnd runs after the leg is gone, so it does not inherit the
// connection context.
func (s *CallSession) recordEnd(reason string) {
	if s.m.opts.History == nil || s.historyID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ended := s.m.opts.Now()
	rec := store.CallRecord{
		ID:             s.historyID,
		CallSID:        s.callSID,
		ConversationID: s.conversationID,
		Phone:          s.phone,
		ContactName:    s.contactName,
		Direction:      s.direction,
		Status:         "completed",
		Outcome:        reason,
		Degraded:       s.isDegraded(),
		StartedAt:      s.answeredAt,
		EndedAt:        &ended,
	}
	if c, err := s.m.opts.Registry.Get(s.callSID); err == nil {
		rec.MessageCount = c.MessageCount
	}
	if err := s.m.opts.History.UpdateCall(ctx, rec); err != nil {
		s.logger.Warn("update call history record failed", "error", err)
	}
}

// retireIfRinging ends a leg that never got past ringing and was waiting for
// callSID: a leg opened for that call, or an unbound leg that only carried an
// agent configuration. Unbound legs that announced themselves with connected
// are waiting for their own start and stay open. It is called from another
// leg's loop, so the check and the state change share one lock.
func (s *CallSession) retireIfRinging(callSID string) (*protocol.ConfigureAgent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRinging {
		return nil, false
	}
	switch {
	case s.callHint != "":
		if s.callHint != callSID {
			return nil, false
		}
	case s.connected || s.agentCfg == nil:
		return nil, false
	}
	s.state = StateEnded
	close(s.retire)
	return s.agentCfg, true
}

func (s *CallSession) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) setDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
}

func (s *CallSession) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *CallSession) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.ID,
		CallSID:   s.callHint,
		State:     s.state,
		Degraded:  s.degraded,
		CreatedAt: s.CreatedAt,
	}
}
