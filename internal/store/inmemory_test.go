package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemorySettingsDefaultsAndSave(t *testing.T) {
	s := NewInMemoryStore(AgentSettings{Prompt: "Be brief.", FirstMessage: "Hi"})
	ctx := context.Background()

	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if got.Prompt != "Be brief." || got.FirstMessage != "Hi" || got.UpdatedAt.IsZero() {
		t.Fatalf("unexpected defaults: %+v", got)
	}

	if err := s.SaveSettings(ctx, AgentSettings{Prompt: "Sell nothing.", FirstMessage: "Hello"}); err != nil {
		t.Fatalf("SaveSettings() error = %v", err)
	}
	got, _ = s.GetSettings(ctx)
	if got.Prompt != "Sell nothing." {
		t.Fatalf("Prompt = %q after save", got.Prompt)
	}
}

func TestInMemoryContactsByNormalizedPhone(t *testing.T) {
	s := NewInMemoryStore(AgentSettings{})
	ctx := context.Background()

	saved, err := s.SaveContact(ctx, Contact{Name: "Ada", Phone: "+1 (555) 010-0100"})
	if err != nil {
		t.Fatalf("SaveContact() error = %v", err)
	}
	if saved.ID == "" || saved.Phone != "+15550100100" {
		t.Fatalf("unexpected saved contact: %+v", saved)
	}

	got, err := s.GetByPhone(ctx, "+15550100100")
	if err != nil || got.Name != "Ada" {
		t.Fatalf("GetByPhone() = %+v, %v", got, err)
	}

	renamed, err := s.SaveContact(ctx, Contact{Name: "Ada L.", Phone: "+15550100100"})
	if err != nil || renamed.ID != saved.ID {
		t.Fatalf("SaveContact() upsert = %+v, %v; want id %s", renamed, err, saved.ID)
	}

	if _, err := s.GetByPhone(ctx, "+19990000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByPhone(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := s.SaveContact(ctx, Contact{Name: "nobody"}); err == nil {
		t.Fatalf("SaveContact() without phone expected error")
	}
}

func TestInMemoryCallHistory(t *testing.T) {
	s := NewInMemoryStore(AgentSettings{})
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first, err := s.CreateCall(ctx, CallRecord{CallSID: "CA1", Direction: "outbound", Status: "queued", StartedAt: base})
	if err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}
	if first.ID == "" {
		t.Fatalf("CreateCall() did not assign id")
	}
	if _, err := s.CreateCall(ctx, CallRecord{CallSID: "CA2", Direction: "inbound", Status: "ringing", StartedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("CreateCall() error = %v", err)
	}

	ended := base.Add(2 * time.Minute)
	first.Status = "completed"
	first.Outcome = "completed"
	first.EndedAt = &ended
	if err := s.UpdateCall(ctx, first); err != nil {
		t.Fatalf("UpdateCall() error = %v", err)
	}
	if err := s.UpdateCall(ctx, CallRecord{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateCall(missing) error = %v, want ErrNotFound", err)
	}

	recent, err := s.RecentCalls(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCalls() error = %v", err)
	}
	if len(recent) != 2 || recent[0].CallSID != "CA2" || recent[1].Outcome != "completed" {
		t.Fatalf("unexpected recent calls: %+v", recent)
	}
	if limited, _ := s.RecentCalls(ctx, 1); len(limited) != 1 {
		t.Fatalf("RecentCalls(1) len = %d", len(limited))
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		" +1 555-0100 ": "+15550100",
		"(555) 0100":    "5550100",
		"555+0100":      "5550100",
		"":              "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}
