package conversation

// State is the engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StateSettingUp
	StateReady
	StateListening
	StateProcessing
	StateSpeaking
	StateError
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSettingUp:
		return "setting_up"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// active reports whether the session is established and not yet over.
func (s State) active() bool {
	switch s {
	case StateReady, StateListening, StateProcessing, StateSpeaking:
		return true
	}
	return false
}
