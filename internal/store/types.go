package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// AgentSettings are the defaults applied when a call leg arrives without a
// frontend configuration.
type AgentSettings struct {
	Prompt       string    `json:"prompt"`
	FirstMessage string    `json:"first_message"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// CallRecord is the durable summary of one call.
type CallRecord struct {
	ID             string     `json:"id"`
	CallSID        string     `json:"call_sid"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	ContactName    string     `json:"contact_name,omitempty"`
	Direction      string     `json:"direction"`
	Status         string     `json:"status"`
	Outcome        string     `json:"outcome,omitempty"`
	MessageCount   int        `json:"message_count"`
	Degraded       bool       `json:"degraded"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (AgentSettings, error)
	SaveSettings(ctx context.Context, settings AgentSettings) error
}

type ContactStore interface {
	GetByPhone(ctx context.Context, phone string) (Contact, error)
	SaveContact(ctx context.Context, contact Contact) (Contact, error)
}

type CallHistoryStore interface {
	CreateCall(ctx context.Context, record CallRecord) (CallRecord, error)
	UpdateCall(ctx context.Context, record CallRecord) error
	RecentCalls(ctx context.Context, limit int) ([]CallRecord, error)
}

// Store bundles the collaborator stores behind one backend.
type Store interface {
	SettingsStore
	ContactStore
	CallHistoryStore
	Close() error
}
