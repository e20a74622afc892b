package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mull2536/call-agent/internal/convai"
	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/protocol"
	"github.com/mull2536/call-agent/internal/store"
	"github.com/mull2536/call-agent/internal/telephony"
)

type fakeLeg struct {
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (l *fakeLeg) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("leg closed")
	}
	l.frames = append(l.frames, m)
	return nil
}

func (l *fakeLeg) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLeg) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLeg) sent() []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]any(nil), l.frames...)
}

func (l *fakeLeg) mediaPayloads() []string {
	var out []string
	for _, f := range l.sent() {
		if f["event"] != "media" {
			continue
		}
		media, _ := f["media"].(map[string]any)
		payload, _ := media["payload"].(string)
		out = append(out, payload)
	}
	return out
}

type fakeAI struct {
	events chan convai.Event

	mu     sync.Mutex
	audio  []string
	closed bool
}

func newFakeAI() *fakeAI { return &fakeAI{events: make(chan convai.Event, 64)} }

func (a *fakeAI) SendAudio(payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("closed")
	}
	a.audio = append(a.audio, payload)
	return nil
}

func (a *fakeAI) Events() <-chan convai.Event { return a.events }

func (a *fakeAI) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAI) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *fakeAI) forwarded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.audio...)
}

type fakeConnector struct {
	mu       sync.Mutex
	configs  []convai.SessionConfig
	sessions []*fakeAI
	err      error
}

func (c *fakeConnector) Connect(_ context.Context, cfg convai.SessionConfig) (convai.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = append(c.configs, cfg)
	if c.err != nil {
		return nil, c.err
	}
	s := newFakeAI()
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeConnector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.configs)
}

func (c *fakeConnector) session(i int) *fakeAI {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.sessions) {
		return nil
	}
	return c.sessions[i]
}

func (c *fakeConnector) config(i int) convai.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configs[i]
}

type sentBroadcast struct {
	Type          protocol.MessageType
	Message       string
	CorrelationID string
}

type fakeHub struct {
	mu   sync.Mutex
	msgs []sentBroadcast
}

func (h *fakeHub) Broadcast(msgType protocol.MessageType, message, correlationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, sentBroadcast{Type: msgType, Message: message, CorrelationID: correlationID})
	return 1
}

func (h *fakeHub) ofType(t protocol.MessageType) []sentBroadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sentBroadcast
	for _, m := range h.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeCalls struct {
	mu         sync.Mutex
	terminated []string
}

func (f *fakeCalls) Terminate(_ context.Context, callSID string) (telephony.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, callSID)
	return telephony.Call{SID: callSID, Status: telephony.StatusCompleted}, nil
}

func (f *fakeCalls) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

type harness struct {
	m       *Manager
	reg     *conversation.Registry
	hub     *fakeHub
	conn    *fakeConnector
	phone   *fakeCalls
	history *store.InMemoryStore
}

func newHarness(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	h := &harness{
		reg:     conversation.NewRegistry(conversation.Options{GracePeriod: time.Minute}),
		hub:     &fakeHub{},
		conn:    &fakeConnector{},
		phone:   &fakeCalls{},
		history: store.NewInMemoryStore(store.AgentSettings{Prompt: "Stored prompt.", FirstMessage: "Stored hello."}),
	}
	h.m = NewManager(Options{
		AgentID:             "agent-1",
		SetupDelay:          delay,
		DefaultPrompt:       "Default prompt.",
		DefaultFirstMessage: "Default hello.",
		Connector:           h.conn,
		Registry:            h.reg,
		Hub:                 h.hub,
		Settings:            h.history,
		Contacts:            h.history,
		History:             h.history,
		Calls:               h.phone,
	})
	return h
}

func (h *harness) connectedLegs() int {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	n := 0
	for _, s := range h.m.sessions {
		s.mu.Lock()
		if s.connected {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

type testLeg struct {
	leg    *fakeLeg
	frames chan []byte
	done   chan struct{}
}

func (h *harness) serve(t *testing.T, callHint string) *testLeg {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tl := &testLeg{leg: &fakeLeg{}, frames: make(chan []byte, 64), done: make(chan struct{})}
	go func() {
		defer close(tl.done)
		h.m.Serve(ctx, tl.leg, callHint, tl.frames)
	}()
	t.Cleanup(func() {
		cancel()
		<-tl.done
	})
	return tl
}

func (tl *testLeg) send(frame string) { tl.frames <- []byte(frame) }

func startFrame(callSID, streamSID string) string {
	return fmt.Sprintf(`{"event":"start","start":{"streamSid":%q,"callSid":%q,"customParameters":{"phone":"+15550100"}}}`, streamSID, callSID)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAudioBeforeStartIsFlushedInArrivalOrder(t *testing.T) {
	h := newHarness(t, 0)
	tl := h.serve(t, "")

	waitFor(t, "AI session", func() bool { return h.conn.session(0) != nil })
	ai := h.conn.session(0)
	waitFor(t, "ai_connected broadcast", func() bool { return len(h.hub.ofType(protocol.TypeAIConnected)) == 1 })

	for _, p := range []string{"a", "b", "c"} {
		ai.events <- convai.Event{Type: convai.EventAudio, AudioBase64: p}
	}
	waitFor(t, "buffered audio consumed", func() bool { return len(ai.events) == 0 })
	if got := tl.leg.mediaPayloads(); len(got) != 0 {
		t.Fatalf("audio written before start: %v", got)
	}

	tl.send(`{"type":"configure_agent","prompt":"Too late.","first_message":"Hi"}`)
	tl.send(startFrame("CA1", "MZ1"))
	waitFor(t, "flush", func() bool { return len(tl.leg.mediaPayloads()) == 3 })

	ai.events <- convai.Event{Type: convai.EventAudio, AudioBase64: "d"}
	waitFor(t, "live audio", func() bool { return len(tl.leg.mediaPayloads()) == 4 })

	got := tl.leg.mediaPayloads()
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("media order = %v, want %v", got, want)
		}
	}
	for _, f := range tl.leg.sent() {
		if f["streamSid"] != "MZ1" {
			t.Fatalf("frame without stream id: %v", f)
		}
	}
	if h.conn.calls() != 1 {
		t.Fatalf("AI connects = %d, want 1", h.conn.calls())
	}
	if cfg := h.conn.config(0); cfg.Prompt != "Stored prompt." || cfg.AudioFormat != convai.AudioFormatULaw8k {
		t.Fatalf("unexpected session config: %+v", cfg)
	}

	tl.send(`{"event":"media","media":{"payload":"AQID"}}`)
	waitFor(t, "caller audio forwarded", func() bool { return len(ai.forwarded()) == 1 })
}

func TestSetupRunsOnceWhenTimerAndStartRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, 0)
		tl := h.serve(t, "")
		tl.send(startFrame("CA1", "MZ1"))
		tl.send(`{"type":"configure_agent","prompt":"p","first_message":"f"}`)

		waitFor(t, "registry start", func() bool {
			_, err := h.reg.Get("CA1")
			return err == nil
		})
		waitFor(t, "AI connect", func() bool { return h.conn.calls() >= 1 })
		time.Sleep(20 * time.Millisecond)
		if n := h.conn.calls(); n != 1 {
			t.Fatalf("run %d: AI connects = %d, want 1", i, n)
		}
	}
}

func TestStartWaitsForAIWhenNotReady(t *testing.T) {
	h := newHarness(t, time.Hour)
	tl := h.serve(t, "")

	tl.send(startFrame("CA7", "MZ7"))
	waitFor(t, "AI session", func() bool { return h.conn.session(0) != nil })
	waitFor(t, "streaming", func() bool {
		for _, info := range h.m.Sessions() {
			if info.CallSID == "CA7" && info.State == StateStreaming {
				return true
			}
		}
		return false
	})

	ai := h.conn.session(0)
	ai.events <- convai.Event{Type: convai.EventAudio, AudioBase64: "x"}
	waitFor(t, "audio", func() bool { return len(tl.leg.mediaPayloads()) == 1 })
}

func TestStaleRingingLegIsClosedAndConfigAdopted(t *testing.T) {
	h := newHarness(t, time.Hour)

	stale := h.serve(t, "")
	other := h.serve(t, "CA2")
	stale.send(`{"type":"configure_agent","prompt":"Be brief.","first_message":"Hello from the UI"}`)
	waitFor(t, "stale leg AI connect", func() bool { return h.conn.calls() == 1 })

	answering := h.serve(t, "")
	answering.send(startFrame("CA1", "MZ1"))

	waitFor(t, "stale leg closed", func() bool { return stale.leg.isClosed() })
	waitFor(t, "stale AI closed", func() bool {
		ai := h.conn.session(0)
		return ai != nil && ai.isClosed()
	})
	waitFor(t, "answering AI connect", func() bool { return h.conn.calls() == 2 })

	cfg := h.conn.config(1)
	if cfg.Prompt != "Be brief." || cfg.FirstMessage != "Hello from the UI" {
		t.Fatalf("answering leg config = %+v, want adopted UI config", cfg)
	}
	if other.leg.isClosed() {
		t.Fatalf("leg ringing for a different call was closed")
	}
	if answering.leg.isClosed() {
		t.Fatalf("answering leg closed")
	}
	waitFor(t, "stale session removed", func() bool { return h.m.ActiveCount() == 2 })
}

func TestConcurrentUnboundLegsKeepTheirOwnCalls(t *testing.T) {
	h := newHarness(t, time.Hour)

	first := h.serve(t, "")
	second := h.serve(t, "")
	silent := h.serve(t, "")
	first.send(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	second.send(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	waitFor(t, "connected legs", func() bool { return h.connectedLegs() == 2 })

	first.send(startFrame("CA_A", "MZ_A"))
	waitFor(t, "first call tracked", func() bool {
		_, err := h.reg.Get("CA_A")
		return err == nil
	})
	if second.leg.isClosed() || silent.leg.isClosed() {
		t.Fatalf("unbound legs closed by another call's start: second=%v silent=%v", second.leg.isClosed(), silent.leg.isClosed())
	}

	second.send(startFrame("CA_B", "MZ_B"))
	waitFor(t, "second call tracked", func() bool {
		c, err := h.reg.Get("CA_B")
		return err == nil && c.Status == conversation.StatusActive
	})
	waitFor(t, "both calls set up", func() bool { return h.conn.calls() == 2 })
	if h.m.ActiveCount() != 3 {
		t.Fatalf("active legs = %d, want 3", h.m.ActiveCount())
	}
	for _, info := range h.m.Sessions() {
		if info.State == StateEnded {
			t.Fatalf("leg %s ended: %+v", info.ID, info)
		}
	}
}

func TestRepeatedStartLeavesOtherLegsAlone(t *testing.T) {
	h := newHarness(t, time.Hour)

	answering := h.serve(t, "")
	answering.send(startFrame("CA1", "MZ1"))
	waitFor(t, "answering streaming", func() bool {
		infos := h.m.Sessions()
		return len(infos) == 1 && infos[0].State == StateStreaming
	})

	ui := h.serve(t, "")
	ui.send(`{"type":"configure_agent","prompt":"Be brief.","first_message":"Hi"}`)
	waitFor(t, "ui leg AI connect", func() bool { return h.conn.calls() == 2 })

	answering.send(startFrame("CA1", "MZ1"))
	answering.send(`{"event":"media","media":{"payload":"AQID"}}`)
	waitFor(t, "media after repeated start", func() bool {
		ai := h.conn.session(0)
		return ai != nil && len(ai.forwarded()) == 1
	})
	if ui.leg.isClosed() {
		t.Fatalf("repeated start closed a ringing leg")
	}
	if h.m.ActiveCount() != 2 {
		t.Fatalf("active legs = %d, want 2", h.m.ActiveCount())
	}
}

func TestAIClosedHangsUpCall(t *testing.T) {
	h := newHarness(t, time.Hour)
	tl := h.serve(t, "")
	tl.send(startFrame("CA5", "MZ5"))
	waitFor(t, "AI session", func() bool { return h.conn.session(0) != nil })
	waitFor(t, "ai_connected broadcast", func() bool { return len(h.hub.ofType(protocol.TypeAIConnected)) == 1 })

	close(h.conn.session(0).events)
	waitFor(t, "terminate", func() bool { return len(h.phone.calls()) == 1 })
	if got := h.phone.calls(); got[0] != "CA5" {
		t.Fatalf("terminated = %v, want [CA5]", got)
	}
	if c, _ := h.reg.Get("CA5"); c.CallSID != "CA5" {
		t.Fatalf("record call sid = %q, want CA5", c.CallSID)
	}

	tl.send(`{"event":"stop","stop":{"callSid":"CA5"}}`)
	<-tl.done
	c, _ := h.reg.Get("CA5")
	if c.Status != conversation.StatusEnded || c.EndReason != conversation.ReasonCompleted {
		t.Fatalf("conversation = %+v, want ended/completed", c)
	}
	calls, _ := h.history.RecentCalls(context.Background(), 1)
	if len(calls) != 1 || !calls[0].Degraded {
		t.Fatalf("history = %+v, want degraded record", calls)
	}
	if got := h.phone.calls(); len(got) != 1 {
		t.Fatalf("terminated = %v, want one request", got)
	}
}

func TestAIConnectFailureDegradesCall(t *testing.T) {
	h := newHarness(t, 0)
	h.conn.err = &convai.ConnectionError{Op: "dial", Timeout: true, Err: context.DeadlineExceeded}
	tl := h.serve(t, "")

	waitFor(t, "ai_error broadcast", func() bool { return len(h.hub.ofType(protocol.TypeAIError)) == 1 })
	tl.send(startFrame("CA3", "MZ3"))
	tl.send(`{"event":"media","media":{"payload":"AQID"}}`)
	waitFor(t, "degraded", func() bool {
		infos := h.m.Sessions()
		return len(infos) == 1 && infos[0].Degraded && infos[0].State == StateAwaitingAI
	})
	if tl.leg.isClosed() {
		t.Fatalf("telephony leg closed after AI failure")
	}

	tl.send(`{"event":"stop","stop":{"callSid":"CA3"}}`)
	<-tl.done
	c, err := h.reg.Get("CA3")
	if err != nil {
		t.Fatalf("registry Get() error = %v", err)
	}
	if c.Status != conversation.StatusEnded || c.EndReason != conversation.ReasonCompleted {
		t.Fatalf("conversation = %+v, want ended/completed", c)
	}
	calls, _ := h.history.RecentCalls(context.Background(), 1)
	if len(calls) != 1 || !calls[0].Degraded || calls[0].Outcome != conversation.ReasonCompleted {
		t.Fatalf("history = %+v", calls)
	}
}

func TestTranscriptsInterruptionsAndHangup(t *testing.T) {
	h := newHarness(t, 0)
	tl := h.serve(t, "")
	waitFor(t, "AI session", func() bool { return h.conn.session(0) != nil })
	ai := h.conn.session(0)
	waitFor(t, "ai_connected broadcast", func() bool { return len(h.hub.ofType(protocol.TypeAIConnected)) == 1 })

	ai.events <- convai.Event{Type: convai.EventMetadata, ConversationID: "conv-1"}
	ai.events <- convai.Event{Type: convai.EventAgentResponse, Text: "Hi, how can I help?"}
	waitFor(t, "early transcript", func() bool { return len(h.hub.ofType(protocol.TypeAgentResponse)) == 1 })

	tl.send(startFrame("CA9", "MZ9"))
	waitFor(t, "registry start", func() bool {
		c, err := h.reg.Get("conv-1")
		return err == nil && c.Cursor == 0
	})

	ai.events <- convai.Event{Type: convai.EventUserTranscript, Text: "I need help"}
	ai.events <- convai.Event{Type: convai.EventAudio, AudioBase64: "q"}
	ai.events <- convai.Event{Type: convai.EventInterruption}
	ai.events <- convai.Event{Type: convai.EventAgentCorrection, Text: "Sure"}
	waitFor(t, "correction", func() bool { return len(h.hub.ofType(protocol.TypeAgentCorrection)) == 1 })

	var sawClear bool
	for _, f := range tl.leg.sent() {
		if f["event"] == "clear" && f["streamSid"] == "MZ9" {
			sawClear = true
		}
	}
	if !sawClear {
		t.Fatalf("no clear frame after interruption: %v", tl.leg.sent())
	}
	user := h.hub.ofType(protocol.TypeUserTranscript)
	if len(user) != 1 || user[0].Message != "I need help" || user[0].CorrelationID != "CA9" {
		t.Fatalf("user transcripts = %+v", user)
	}

	close(tl.frames)
	<-tl.done
	if !ai.isClosed() {
		t.Fatalf("AI session outlived the telephony leg")
	}
	c, err := h.reg.Get("CA9")
	if err != nil {
		t.Fatalf("registry Get() error = %v", err)
	}
	if c.Status != conversation.StatusEnded || c.EndReason != conversation.ReasonHangup {
		t.Fatalf("conversation = %+v, want ended/hangup", c)
	}
	if c.Cursor != 1 || c.MessageCount != 3 || c.ConversationID != "conv-1" {
		t.Fatalf("conversation bookkeeping = %+v", c)
	}
	calls, _ := h.history.RecentCalls(context.Background(), 1)
	if len(calls) != 1 || calls[0].ConversationID != "conv-1" || calls[0].MessageCount != 3 {
		t.Fatalf("history = %+v", calls)
	}
}

func TestContactNameIsAddedToPrompt(t *testing.T) {
	h := newHarness(t, time.Hour)
	if _, err := h.history.SaveContact(context.Background(), store.Contact{Name: "Ada", Phone: "+15550100"}); err != nil {
		t.Fatalf("SaveContact() error = %v", err)
	}
	tl := h.serve(t, "")
	tl.send(startFrame("CA4", "MZ4"))
	waitFor(t, "AI connect", func() bool { return h.conn.calls() == 1 })

	cfg := h.conn.config(0)
	if cfg.Prompt != "Stored prompt.\n\nYou are speaking with Ada." {
		t.Fatalf("prompt = %q", cfg.Prompt)
	}
	calls, _ := h.history.RecentCalls(context.Background(), 1)
	if len(calls) != 1 || calls[0].ContactName != "Ada" || calls[0].Direction != "inbound" {
		t.Fatalf("history = %+v", calls)
	}
}
