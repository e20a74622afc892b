package convai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType is the canonical event taxonomy exposed to callers regardless of
// the provider message shape.
type EventType string

const (
	EventMetadata        EventType = "metadata"
	EventAudio           EventType = "audio"
	EventUserTranscript  EventType = "user_transcript"
	EventAgentResponse   EventType = "agent_response"
	EventAgentCorrection EventType = "agent_correction"
	EventInterruption    EventType = "interruption"
	EventPing            EventType = "ping"
)

type Event struct {
	Type EventType

	ConversationID    string
	OutputAudioFormat string
	InputAudioFormat  string

	AudioBase64 string
	Text        string
	Original    string
	EventID     int
}

type providerMessage struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event,omitempty"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	AgentCorrection *struct {
		Original  string `json:"original_agent_response"`
		Corrected string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event,omitempty"`

	Interruption *struct {
		EventID int `json:"event_id"`
	} `json:"interruption_event,omitempty"`

	Ping *struct {
		EventID int `json:"event_id"`
		PingMS  int `json:"ping_ms"`
	} `json:"ping_event,omitempty"`
}

// normalize maps one provider frame onto the canonical taxonomy. ok is false
// for frames that carry nothing callers act on.
func normalize(raw []byte) (Event, bool, error) {
	var msg providerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, false, fmt.Errorf("decode provider message: %w", err)
	}

	switch msg.Type {
	case "conversation_initiation_metadata":
		if msg.Metadata == nil {
			return Event{}, false, nil
		}
		return Event{
			Type:              EventMetadata,
			ConversationID:    msg.Metadata.ConversationID,
			OutputAudioFormat: msg.Metadata.AgentOutputAudioFormat,
			InputAudioFormat:  msg.Metadata.UserInputAudioFormat,
		}, true, nil
	case "audio":
		if msg.Audio == nil || msg.Audio.AudioBase64 == "" {
			return Event{}, false, nil
		}
		return Event{Type: EventAudio, AudioBase64: msg.Audio.AudioBase64, EventID: msg.Audio.EventID}, true, nil
	case "user_transcript":
		if msg.UserTranscription == nil {
			return Event{}, false, nil
		}
		text := strings.TrimSpace(msg.UserTranscription.UserTranscript)
		if text == "" {
			return Event{}, false, nil
		}
		return Event{Type: EventUserTranscript, Text: text}, true, nil
	case "agent_response":
		if msg.AgentResponse == nil {
			return Event{}, false, nil
		}
		text := strings.TrimSpace(msg.AgentResponse.AgentResponse)
		if text == "" {
			return Event{}, false, nil
		}
		return Event{Type: EventAgentResponse, Text: text}, true, nil
	case "agent_response_correction":
		if msg.AgentCorrection == nil {
			return Event{}, false, nil
		}
		return Event{
			Type:     EventAgentCorrection,
			Text:     strings.TrimSpace(msg.AgentCorrection.Corrected),
			Original: strings.TrimSpace(msg.AgentCorrection.Original),
		}, true, nil
	case "interruption":
		ev := Event{Type: EventInterruption}
		if msg.Interruption != nil {
			ev.EventID = msg.Interruption.EventID
		}
		return ev, true, nil
	case "ping":
		if msg.Ping == nil {
			return Event{}, false, nil
		}
		return Event{Type: EventPing, EventID: msg.Ping.EventID}, true, nil
	default:
		// vad_score, internal_tentative_agent_response, client_tool_call etc.
		return Event{}, false, nil
	}
}
