package realtime

import (
	"encoding/json"
	"strings"
)

// Item is a conversation item produced by the model.
type Item struct {
	// ID is the server-assigned item id.
	ID string

	// Type is "message" or "function_call".
	Type string

	// Role is "assistant" for model output.
	Role string

	// Transcript is the spoken text of an audio reply.
	Transcript string

	// Text is the reply text in text mode.
	Text string

	// Audio is the synthesized reply as PCM16 samples at the session rate.
	Audio []int16

	// CallID, Name and Arguments are set for function_call items.
	CallID    string
	Name      string
	Arguments string
}

// HasAudio reports whether the item carries assistant audio to play.
func (it Item) HasAudio() bool {
	return it.Role == "assistant" && len(it.Audio) > 0
}

// IsToolCall reports whether the item is a function call.
func (it Item) IsToolCall() bool {
	return it.Type == "function_call"
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	CallID    string
	ItemID    string
	Name      string
	Arguments string
}

// serverEvent is the union of the server events the client handles.
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	ItemID     string          `json:"item_id"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	Session    *sessionInfo    `json:"session"`
	Item       *wireItem       `json:"item"`
	Error      *wireError      `json:"error"`
	Response   json.RawMessage `json:"response"`
}

type sessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

type wireItem struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Role      string        `json:"role"`
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Content   []wireContent `json:"content"`
}

type wireContent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

// pendingItem accumulates deltas for one item until it is done.
type pendingItem struct {
	audio      []byte
	transcript strings.Builder
	text       strings.Builder
}

// Client events.

type sessionUpdateEvent struct {
	EventID string         `json:"event_id,omitempty"`
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   Voice              `json:"voice,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *transcriptionSpec `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection     `json:"turn_detection"`
	Tools                   []toolPayload      `json:"tools"`
	ToolChoice              string             `json:"tool_choice"`
}

type transcriptionSpec struct {
	Model string `json:"model"`
}

type toolPayload struct {
	Type string `json:"type"`
	ToolDefinition
}

type appendAudioEvent struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

type simpleEvent struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

type itemCreateEvent struct {
	EventID string      `json:"event_id,omitempty"`
	Type    string      `json:"type"`
	Item    itemPayload `json:"item"`
}

type itemPayload struct {
	Type    string           `json:"type"`
	Role    string           `json:"role,omitempty"`
	CallID  string           `json:"call_id,omitempty"`
	Output  string           `json:"output,omitempty"`
	Content []contentPayload `json:"content,omitempty"`
}

type contentPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
