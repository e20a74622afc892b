package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TelephonyEvent identifies media-stream payload variants on the call leg socket.
type TelephonyEvent string

const (
	EventConnected TelephonyEvent = "connected"
	EventStart     TelephonyEvent = "start"
	EventMedia     TelephonyEvent = "media"
	EventStop      TelephonyEvent = "stop"
	EventMark      TelephonyEvent = "mark"
	EventClear     TelephonyEvent = "clear"
)

// FrontendType identifies frontend control payloads sharing the call leg socket.
type FrontendType string

const TypeConfigureAgent FrontendType = "configure_agent"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Event TelephonyEvent `json:"event,omitempty"`
	Type  FrontendType   `json:"type,omitempty"`
}

type Connected struct {
	Event    TelephonyEvent `json:"event"`
	Protocol string         `json:"protocol,omitempty"`
	Version  string         `json:"version,omitempty"`
}

type StartMetadata struct {
	AccountSID       string            `json:"accountSid,omitempty"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type Start struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid,omitempty"`
	Start     StartMetadata  `json:"start"`
}

// Phone returns the remote party number passed as a stream parameter, if any.
func (s Start) Phone() string {
	for _, key := range []string{"phone", "to", "from"} {
		if v := strings.TrimSpace(s.Start.CustomParameters[key]); v != "" {
			return v
		}
	}
	return ""
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Media struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid,omitempty"`
	Media     MediaPayload   `json:"media"`
}

type Stop struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid,omitempty"`
	Stop      struct {
		AccountSID string `json:"accountSid,omitempty"`
		CallSID    string `json:"callSid,omitempty"`
	} `json:"stop"`
}

// ConfigureAgent carries the persona prompt and opening utterance chosen in the frontend.
type ConfigureAgent struct {
	Type         FrontendType `json:"type"`
	Prompt       string       `json:"prompt"`
	FirstMessage string       `json:"first_message"`
}

// OutboundMedia is written to the call leg to play AI audio.
type OutboundMedia struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     MediaPayload   `json:"media"`
}

// OutboundClear asks the transport to drop audio it has buffered but not played.
type OutboundClear struct {
	Event     TelephonyEvent `json:"event"`
	StreamSID string         `json:"streamSid"`
}

func NewOutboundMedia(streamSID, payload string) OutboundMedia {
	return OutboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Track: "outbound", Payload: payload},
	}
}

func NewOutboundClear(streamSID string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSID: streamSID}
}

// ParseCallLegMessage decodes one frame from the call leg socket. Frames are
// validated against the wire schemas before being decoded into typed values.
func ParseCallLegMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == TypeConfigureAgent {
		if err := validateFrame(string(env.Type), raw); err != nil {
			return nil, err
		}
		var msg ConfigureAgent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Prompt = strings.TrimSpace(msg.Prompt)
		msg.FirstMessage = strings.TrimSpace(msg.FirstMessage)
		return msg, nil
	}

	switch env.Event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStart:
		if err := validateFrame(string(env.Event), raw); err != nil {
			return nil, err
		}
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMedia:
		if err := validateFrame(string(env.Event), raw); err != nil {
			return nil, err
		}
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMark:
		// Playback acknowledgements are not used.
		return nil, ErrUnsupportedType
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageType tags frames delivered to observers.
type MessageType string

const (
	TypeCallStatus         MessageType = "call_status"
	TypeConversationStatus MessageType = "conversation_status"
	TypeUserTranscript     MessageType = "user_transcript"
	TypeAgentResponse      MessageType = "agent_response"
	TypeAgentCorrection    MessageType = "agent_correction"
	TypeInterruption       MessageType = "interruption"
	TypeAIConnected        MessageType = "ai_connected"
	TypeAIError            MessageType = "ai_error"
	TypeSystem             MessageType = "system"
)

// BroadcastMessage is the frame observers receive.
type BroadcastMessage struct {
	Type          MessageType `json:"type"`
	Message       string      `json:"message"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

type Origin string

const (
	OriginLive       Origin = "live"
	OriginReconciled Origin = "reconciled"
)

// TranscriptEvent is one utterance in a conversation transcript.
type TranscriptEvent struct {
	ConversationID string    `json:"conversation_id"`
	Speaker        Speaker   `json:"speaker"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Origin         Origin    `json:"origin"`
}

// SpeakerFromRole maps provider transcript roles onto speakers.
func SpeakerFromRole(role string) (Speaker, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "agent", "assistant", "ai":
		return SpeakerAgent, true
	case "user", "caller", "human":
		return SpeakerUser, true
	default:
		return "", false
	}
}

// BroadcastType classifies a transcript event for observers.
func (e TranscriptEvent) BroadcastType() MessageType {
	if e.Speaker == SpeakerAgent {
		return TypeAgentResponse
	}
	return TypeUserTranscript
}
