package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mull2536/call-agent/internal/reliability"
)

// Twilio call statuses.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// IsFinalStatus reports whether Twilio will send no further progress for the call.
func IsFinalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

// APIError is a non-2xx response from the Twilio REST API.
type APIError struct {
	Op         string `json:"-"`
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twilio %s status %d (code %d): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("twilio %s status %d", e.Op, e.StatusCode)
}

func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

type Config struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	BaseURL     string
	HTTPClient  *http.Client
	MaxAttempts int
	Logger      *slog.Logger
}

// Client controls calls through the Twilio REST API.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
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

// Call is the subset of the Twilio call resource used here.
type Call struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	To        string `json:"to"`
	From      string `json:"from"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"`
}

type CreateCallRequest struct {
	To             string
	From           string
	TwiML          string
	StatusCallback string
}

// CreateCall places an outbound call that runs the given TwiML once answered.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (Call, error) {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return Call{}, fmt.Errorf("to is required")
	}
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = c.cfg.FromNumber
	}
	if from == "" {
		return Call{}, fmt.Errorf("from number is not configured")
	}
	if strings.TrimSpace(req.TwiML) == "" {
		return Call{}, fmt.Errorf("twiml is required")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Twiml", req.TwiML)
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	var out Call
	// Creating a call is not idempotent, so it is attempted once.
	err := c.do(ctx, "create_call", http.MethodPost, c.callsPath(""), form, &out)
	return out, err
}

// FetchCall returns the current state of a call.
func (c *Client) FetchCall(ctx context.Context, callSID string) (Call, error) {
	if strings.TrimSpace(callSID) == "" {
		return Call{}, fmt.Errorf("call sid is required")
	}
	var out Call
	err := reliability.Do(ctx, c.cfg.MaxAttempts, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		return c.do(ctx, "fetch_call", http.MethodGet, c.callsPath(callSID), nil, &out)
	})
	return out, err
}

// Terminate hangs up an answered call or cancels one that is still queued or
// ringing. Calls already in a final status are returned unchanged.
func (c *Client) Terminate(ctx context.Context, callSID string) (Call, error) {
	call, err := c.FetchCall(ctx, callSID)
	if err != nil {
		return Call{}, err
	}

	var target string
	switch call.Status {
	case StatusQueued, StatusRinging:
		target = StatusCanceled
	case StatusInProgress:
		target = StatusCompleted
	default:
		return call, nil
	}

	form := url.Values{}
	form.Set("Status", target)
	var out Call
	err = reliability.Do(ctx, c.cfg.MaxAttempts, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		return c.do(ctx, "update_call", http.MethodPost, c.callsPath(callSID), form, &out)
	})
	if err != nil {
		return Call{}, err
	}
	c.cfg.Logger.Info("call terminated", "call_sid", callSID, "from_status", call.Status, "status", out.Status)
	return out, nil
}

func (c *Client) callsPath(callSID string) string {
	base := "/Accounts/" + url.PathEscape(c.cfg.AccountSID) + "/Calls"
	if callSID == "" {
		return base + ".json"
	}
	return base + "/" + url.PathEscape(callSID) + ".json"
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio %s: %w", op, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{Op: op, StatusCode: res.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
