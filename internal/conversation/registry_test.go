package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(grace time.Duration) (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewRegistry(Options{GracePeriod: grace, Now: clock.Now}), clock
}

func TestRegistryStartIsIdempotent(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	c, created := r.Start("CA1", "+15550100")
	if !created {
		t.Fatalf("Start() created = false, want true")
	}
	if c.Cursor != -1 || c.Status != StatusActive {
		t.Fatalf("unexpected new record: %+v", c)
	}

	if err := r.Touch("CA1"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	clock.Advance(time.Second)

	again, created := r.Start("CA1", "+15559999")
	if created {
		t.Fatalf("second Start() created = true, want false")
	}
	if again.Phone != "+15550100" || again.MessageCount != 1 {
		t.Fatalf("second Start() reset state: %+v", again)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestRegistryEndFirstTerminalWins(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	r.Start("c1", "")

	ended, changed, err := r.End("c1", ReasonCompleted)
	if err != nil || !changed {
		t.Fatalf("End() = %+v, %v, %v", ended, changed, err)
	}
	if ended.Status != StatusEnded || ended.EndReason != ReasonCompleted {
		t.Fatalf("unexpected ended record: %+v", ended)
	}

	again, changed, err := r.End("c1", ReasonProviderMissing)
	if err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if changed {
		t.Fatalf("second End() changed = true, want false")
	}
	if again.EndReason != ReasonCompleted {
		t.Fatalf("EndReason = %q, want %q", again.EndReason, ReasonCompleted)
	}
}

func TestRegistryUnknownIDsAreNotFound(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	if err := r.Touch("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
	if _, _, err := r.End("nope", ReasonCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End() error = %v, want ErrNotFound", err)
	}
	if _, err := r.Get(""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(\"\") error = %v, want ErrNotFound", err)
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistrySweepEndsOnlyIdleConversations(t *testing.T) {
	r, clock := newTestRegistry(time.Minute)
	r.Start("stale", "")
	clock.Advance(3 * time.Minute)
	r.Start("fresh", "")
	clock.Advance(3 * time.Minute)

	ended := r.Sweep(5 * time.Minute)
	if len(ended) != 1 || ended[0].ID != "stale" {
		t.Fatalf("Sweep() ended = %+v, want only stale", ended)
	}
	if ended[0].EndReason != ReasonTimeout {
		t.Fatalf("EndReason = %q, want %q", ended[0].EndReason, ReasonTimeout)
	}
	fresh, err := r.Get("fresh")
	if err != nil {
		t.Fatalf("Get(fresh) error = %v", err)
	}
	if fresh.Status != StatusActive {
		t.Fatalf("fresh status = %q, want active", fresh.Status)
	}
	if again := r.Sweep(5 * time.Minute); len(again) != 0 {
		t.Fatalf("second Sweep() ended %d records, want 0", len(again))
	}
}

func TestRegistryPurgeWaitsForGraceWindow(t *testing.T) {
	r, clock := newTestRegistry(30 * time.Second)
	r.Start("CA1", "")
	if err := r.Link("CA1", "conv-1", ""); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	r.End("CA1", ReasonHangup)

	clock.Advance(10 * time.Second)
	if removed := r.Purge(); len(removed) != 0 {
		t.Fatalf("Purge() inside grace window removed %v", removed)
	}
	// A late duplicate signal still resolves to the terminal record.
	late, created := r.Start("conv-1", "")
	if created || late.ID != "CA1" || late.Status != StatusEnded {
		t.Fatalf("late Start() = %+v, created=%v", late, created)
	}

	clock.Advance(25 * time.Second)
	removed := r.Purge()
	if len(removed) != 1 || removed[0] != "CA1" {
		t.Fatalf("Purge() removed %v, want [CA1]", removed)
	}
	if _, err := r.Get("conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("alias still resolves after purge: %v", err)
	}
}

func TestRegistryLinkAndCursor(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	r.Start("CA1", "+1555")
	if err := r.Link("CA1", "conv-9", "CA1"); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	c, err := r.Get("conv-9")
	if err != nil {
		t.Fatalf("Get(conv-9) error = %v", err)
	}
	if c.ID != "CA1" || c.ConversationID != "conv-9" {
		t.Fatalf("unexpected linked record: %+v", c)
	}

	if cur, err := r.NoteTranscript("conv-9"); err != nil || cur != 0 {
		t.Fatalf("NoteTranscript() = %d, %v, want 0", cur, err)
	}
	if prev, err := r.AdvanceCursor("CA1", 3); err != nil || prev != 0 {
		t.Fatalf("AdvanceCursor(3) = %d, %v, want previous cursor 0", prev, err)
	}
	if prev, _ := r.AdvanceCursor("CA1", 1); prev != 3 {
		t.Fatalf("AdvanceCursor(1) = %d, want 3 and no move", prev)
	}
	c, _ = r.Get("CA1")
	if c.Cursor != 3 || c.MessageCount != 4 {
		t.Fatalf("cursor/message count = %d/%d, want 3/4", c.Cursor, c.MessageCount)
	}
	if _, err := r.AdvanceCursor("nope", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AdvanceCursor(nope) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryEvictsOldestEndedWhenFull(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0).UTC()}
	r := NewRegistry(Options{GracePeriod: time.Hour, MaxTracked: 2, Now: clock.Now})
	r.Start("a", "")
	r.Start("b", "")
	r.End("a", ReasonCompleted)
	clock.Advance(time.Second)

	if _, created := r.Start("c", ""); !created {
		t.Fatalf("Start(c) created = false")
	}
	if _, err := r.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ended record a should have been evicted, err = %v", err)
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
}

func TestRegistryJanitorSweepsAndPurges(t *testing.T) {
	r := NewRegistry(Options{GracePeriod: 0})
	r.Start("c1", "")

	var mu sync.Mutex
	var swept []*Conversation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartJanitor(ctx, 10*time.Millisecond, 20*time.Millisecond, func(ended []*Conversation) {
		mu.Lock()
		defer mu.Unlock()
		swept = append(swept, ended...)
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(swept)
		mu.Unlock()
		if n > 0 && r.Count() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(swept) != 1 || swept[0].ID != "c1" {
		t.Fatalf("swept = %+v, want c1", swept)
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after purge", r.Count())
	}
}
