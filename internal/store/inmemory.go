package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	settings AgentSettings
	contacts map[string]Contact
	calls    map[string]CallRecord
}

func NewInMemoryStore(defaults AgentSettings) *InMemoryStore {
	if defaults.UpdatedAt.IsZero() {
		defaults.UpdatedAt = time.Now().UTC()
	}
	return &InMemoryStore{
		settings: defaults,
		contacts: make(map[string]Contact),
		calls:    make(map[string]CallRecord),
	}
}

func (s *InMemoryStore) GetSettings(_ context.Context) (AgentSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *InMemoryStore) SaveSettings(_ context.Context, settings AgentSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.UpdatedAt = time.Now().UTC()
	s.settings = settings
	return nil
}

func (s *InMemoryStore) GetByPhone(_ context.Context, phone string) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[NormalizePhone(phone)]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) SaveContact(_ context.Context, contact Contact) (Contact, error) {
	key := NormalizePhone(contact.Phone)
	if key == "" {
		return Contact{}, fmt.Errorf("contact phone is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.contacts[key]; ok {
		contact.ID = existing.ID
		contact.CreatedAt = existing.CreatedAt
	}
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = time.Now().UTC()
	}
	contact.Phone = key
	s.contacts[key] = contact
	return contact, nil
}

func (s *InMemoryStore) CreateCall(_ context.Context, record CallRecord) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.calls[record.ID] = record
	return record, nil
}

func (s *InMemoryStore) UpdateCall(_ context.Context, record CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[record.ID]; !ok {
		return ErrNotFound
	}
	s.calls[record.ID] = record
	return nil
}

func (s *InMemoryStore) RecentCalls(_ context.Context, limit int) ([]CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CallRecord, 0, len(s.calls))
	for _, r := range s.calls {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

// NormalizePhone strips formatting so numbers compare by digits, keeping a
// leading plus sign.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
