package convai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AudioFormatULaw8k is the encoding telephony legs carry.
const AudioFormatULaw8k = "ulaw_8000"

type SessionConfig struct {
	AgentID      string
	Prompt       string
	FirstMessage string
	AudioFormat  string
}

// Session is one open AI conversation.
type Session interface {
	SendAudio(payloadBase64 string) error
	Events() <-chan Event
	Close() error
}

// ConnectionError reports an AI session that failed to open or timed out.
// It is never retried automatically.
type ConnectionError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("ai connection %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ai connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func newConnectionError(ctx context.Context, op string, err error) *ConnectionError {
	return &ConnectionError{
		Op:      op,
		Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
		Err:     err,
	}
}

// Connect opens an authenticated conversation and sends the initiation
// message before returning, so configuration always precedes audio. The
// whole open is bounded by the configured connect timeout.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	signedURL, err := c.SignedURL(ctx, cfg.AgentID)
	if err != nil {
		return nil, newConnectionError(ctx, "signed_url", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.cfg.ConnectTimeout
	conn, _, err := dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, newConnectionError(ctx, "dial", err)
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan Event, 512),
		done:   make(chan struct{}),
		logger: c.cfg.Logger,
	}
	if err := s.writeJSON(newInitiationMessage(cfg)); err != nil {
		_ = conn.Close()
		return nil, newConnectionError(ctx, "initiate", err)
	}
	go s.readLoop()
	return s, nil
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type initiationMessage struct {
	Type     string `json:"type"`
	Override struct {
		Agent agentOverride `json:"agent"`
		TTS   struct {
			AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		} `json:"tts"`
		ASR struct {
			UserInputAudioFormat string `json:"user_input_audio_format"`
		} `json:"asr"`
	} `json:"conversation_config_override"`
}

func newInitiationMessage(cfg SessionConfig) initiationMessage {
	format := strings.TrimSpace(cfg.AudioFormat)
	if format == "" {
		format = AudioFormatULaw8k
	}
	var msg initiationMessage
	msg.Type = "conversation_initiation_client_data"
	if p := strings.TrimSpace(cfg.Prompt); p != "" {
		msg.Override.Agent.Prompt = &promptOverride{Prompt: p}
	}
	msg.Override.Agent.FirstMessage = strings.TrimSpace(cfg.FirstMessage)
	msg.Override.TTS.AgentOutputAudioFormat = format
	msg.Override.ASR.UserInputAudioFormat = format
	return msg
}

type wsSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
	logger    *slog.Logger
}

func (s *wsSession) SendAudio(payloadBase64 string) error {
	return s.writeJSON(map[string]any{"user_audio_chunk": payloadBase64})
}

func (s *wsSession) Events() <-chan Event { return s.events }

func (s *wsSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *wsSession) writeJSON(payload any) error {
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(payload)
}

func (s *wsSession) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok, err := normalize(data)
		if err != nil {
			s.logger.Debug("dropping undecodable provider frame", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if ev.Type == EventPing {
			// The provider disconnects sessions that leave pings unanswered.
			if err := s.writeJSON(pongMessage{Type: "pong", EventID: ev.EventID}); err != nil {
				s.logger.Warn("pong failed", "event_id", ev.EventID, "error", err)
			}
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}
