package bridge

// State is the lifecycle position of one call leg.
type State string

const (
	StateRinging    State = "RINGING"
	StateAwaitingAI State = "AWAITING_AI"
	StateStreaming  State = "STREAMING"
	StateEnded      State = "ENDED"
)

type trigger string

const (
	triggerStart   trigger = "start"
	triggerAIReady trigger = "ai_ready"
	triggerStop    trigger = "stop"
)

// transition applies trig to s. ok is false when trig has no effect in s;
// ENDED absorbs every trigger.
//
//	RINGING     --start, ai not ready--> AWAITING_AI
//	RINGING     --start, ai ready------> STREAMING
//	AWAITING_AI --ai_ready-------------> STREAMING
//	any         --stop-----------------> ENDED
func transition(s State, trig trigger, aiReady bool) (State, bool) {
	if s == StateEnded {
		return s, false
	}
	switch trig {
	case triggerStop:
		return StateEnded, true
	case triggerStart:
		if s != StateRinging {
			return s, false
		}
		if aiReady {
			return StateStreaming, true
		}
		return StateAwaitingAI, true
	case triggerAIReady:
		if s == StateAwaitingAI {
			return StateStreaming, true
		}
		return s, false
	default:
		return s, false
	}
}
