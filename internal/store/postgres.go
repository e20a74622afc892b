package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists settings, contacts and call history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, defaults AgentSettings) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, defaults); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, defaults AgentSettings) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_settings (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			prompt TEXT NOT NULL,
			first_message TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS call_history (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			contact_name TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_history_started ON call_history (started_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}

	// Seed defaults once; later saves win over environment defaults.
	_, err := pool.Exec(ctx,
		`INSERT INTO agent_settings (id, prompt, first_message) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		defaults.Prompt,
		defaults.FirstMessage,
	)
	if err != nil {
		return fmt.Errorf("seed agent settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSettings(ctx context.Context) (AgentSettings, error) {
	var out AgentSettings
	err := s.pool.QueryRow(ctx,
		`SELECT prompt, first_message, updated_at FROM agent_settings WHERE id = 1`,
	).Scan(&out.Prompt, &out.FirstMessage, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AgentSettings{}, ErrNotFound
		}
		return AgentSettings{}, fmt.Errorf("get settings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings AgentSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_settings (id, prompt, first_message, updated_at) VALUES (1, $1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET prompt = EXCLUDED.prompt, first_message = EXCLUDED.first_message, updated_at = now()`,
		settings.Prompt,
		settings.FirstMessage,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByPhone(ctx context.Context, phone string) (Contact, error) {
	var c Contact
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, phone, created_at FROM contacts WHERE phone = $1`,
		NormalizePhone(phone),
	).Scan(&c.ID, &c.Name, &c.Phone, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SaveContact(ctx context.Context, contact Contact) (Contact, error) {
	contact.Phone = NormalizePhone(contact.Phone)
	if contact.Phone == "" {
		return Contact{}, fmt.Errorf("contact phone is required")
	}
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO contacts (id, name, phone) VALUES ($1, $2, $3)
		 ON CONFLICT (phone) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, name, phone, created_at`,
		contact.ID,
		contact.Name,
		contact.Phone,
	).Scan(&contact.ID, &contact.Name, &contact.Phone, &contact.CreatedAt)
	if err != nil {
		return Contact{}, fmt.Errorf("save contact: %w", err)
	}
	return contact, nil
}

func (s *PostgresStore) CreateCall(ctx context.Context, record CallRecord) (CallRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_history (id, call_sid, conversation_id, phone, contact_name, direction, status, outcome, message_count, degraded, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.ID,
		record.CallSID,
		record.ConversationID,
		record.Phone,
		record.ContactName,
		record.Direction,
		record.Status,
		record.Outcome,
		record.MessageCount,
		record.Degraded,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return CallRecord{}, fmt.Errorf("create call record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) UpdateCall(ctx context.Context, record CallRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_history SET conversation_id=$2, status=$3, outcome=$4, message_count=$5, degraded=$6, ended_at=$7
		 WHERE id=$1`,
		record.ID,
		record.ConversationID,
		record.Status,
		record.Outcome,
		record.MessageCount,
		record.Degraded,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("update call record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, call_sid, conversation_id, phone, contact_name, direction, status, outcome, message_count, degraded, started_at, ended_at
		 FROM call_history ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call history: %w", err)
	}
	defer rows.Close()

	items := make([]CallRecord, 0, limit)
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.CallSID, &r.ConversationID, &r.Phone, &r.ContactName, &r.Direction, &r.Status, &r.Outcome, &r.MessageCount, &r.Degraded, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call history row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call history rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
