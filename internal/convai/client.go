package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mull2536/call-agent/internal/reliability"
)

// ErrRateLimited matches provider responses with HTTP 429.
var ErrRateLimited = errors.New("provider rate limited")

// APIError is a non-2xx response from the provider REST API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elevenlabs %s status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// Provider conversation statuses.
const (
	StatusInitiated  = "initiated"
	StatusInProgress = "in-progress"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// IsTerminalStatus reports whether the provider considers the conversation over.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusDone, StatusFailed:
		return true
	default:
		return false
	}
}

type Config struct {
	APIKey         string
	AgentID        string
	BaseURL        string
	ConnectTimeout time.Duration
	HTTPClient     *http.Client
	PageSize       int
	MaxAttempts    int
	RetryBase      time.Duration
	Logger         *slog.Logger
}

// Client talks to the ElevenLabs conversational AI API.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, client: client}
}

func (c *Client) AgentID() string { return c.cfg.AgentID }

// SignedURL fetches a short-lived websocket URL for a new conversation.
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		agentID = c.cfg.AgentID
	}
	q := url.Values{}
	q.Set("agent_id", agentID)
	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := c.getJSON(ctx, "get_signed_url", "/v1/convai/conversation/get-signed-url?"+q.Encode(), &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SignedURL) == "" {
		return "", fmt.Errorf("elevenlabs get_signed_url: empty signed_url")
	}
	return out.SignedURL, nil
}

// ConversationSummary is one entry of the provider conversation list.
type ConversationSummary struct {
	ConversationID   string `json:"conversation_id"`
	AgentID          string `json:"agent_id"`
	Status           string `json:"status"`
	StartTimeUnix    int64  `json:"start_time_unix_secs"`
	CallDurationSecs int    `json:"call_duration_secs"`
	MessageCount     int    `json:"message_count"`
	CallSID          string `json:"call_sid,omitempty"`
}

type TranscriptEntry struct {
	Role           string  `json:"role"`
	Message        string  `json:"message"`
	TimeInCallSecs float64 `json:"time_in_call_secs"`
}

// ConversationDetail is the full provider view of one conversation.
type ConversationDetail struct {
	ConversationID string            `json:"conversation_id"`
	AgentID        string            `json:"agent_id"`
	Status         string            `json:"status"`
	Transcript     []TranscriptEntry `json:"transcript"`
	Metadata       struct {
		StartTimeUnix    int64 `json:"start_time_unix_secs"`
		CallDurationSecs int   `json:"call_duration_secs"`
		PhoneCall        *struct {
			CallSID        string `json:"call_sid"`
			ExternalNumber string `json:"external_number"`
		} `json:"phone_call,omitempty"`
	} `json:"metadata"`
}

// StartTime returns the conversation start as reported by the provider.
func (d ConversationDetail) StartTime() time.Time {
	if d.Metadata.StartTimeUnix <= 0 {
		return time.Time{}
	}
	return time.Unix(d.Metadata.StartTimeUnix, 0).UTC()
}

// ListConversations returns every conversation for the configured agent,
// following pagination until the provider reports no more pages.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	const maxPages = 50
	var (
		all    []ConversationSummary
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		if c.cfg.AgentID != "" {
			q.Set("agent_id", c.cfg.AgentID)
		}
		q.Set("page_size", strconv.Itoa(c.cfg.PageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out struct {
			Conversations []ConversationSummary `json:"conversations"`
			HasMore       bool                  `json:"has_more"`
			NextCursor    string                `json:"next_cursor"`
		}
		if err := c.getJSON(ctx, "list_conversations", "/v1/convai/conversations?"+q.Encode(), &out); err != nil {
			return nil, err
		}
		all = append(all, out.Conversations...)
		if !out.HasMore || out.NextCursor == "" || out.NextCursor == cursor {
			return all, nil
		}
		cursor = out.NextCursor
	}
	return all, nil
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (ConversationDetail, error) {
	var out ConversationDetail
	if strings.TrimSpace(conversationID) == "" {
		return out, fmt.Errorf("conversation_id is required")
	}
	err := c.getJSON(ctx, "get_conversation", "/v1/convai/conversations/"+url.PathEscape(conversationID), &out)
	return out, err
}

// getJSON retries 429 and 5xx responses with capped backoff.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	attempt := 0
	return reliability.Do(ctx, c.cfg.MaxAttempts, c.cfg.RetryBase, 8*c.cfg.RetryBase, func(ctx context.Context) error {
		attempt++
		err := c.getJSONOnce(ctx, op, path, out)
		if reliability.IsRetryable(err) && attempt < c.cfg.MaxAttempts {
			c.cfg.Logger.Debug("retrying provider request", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (c *Client) getJSONOnce(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs %s: %w", op, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &APIError{Op: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
