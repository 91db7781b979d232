// Package realtime is a client for the OpenAI Realtime websocket API. It
// assembles streamed reply deltas into completed items and forwards tool
// calls, speech signals and errors to registered callbacks.
package realtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

const (
	// DefaultURL is the OpenAI Realtime websocket endpoint.
	DefaultURL = "wss://api.openai.com/v1/realtime"

	// DefaultModel is the realtime model requested when none is configured.
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
)

// Voice is an OpenAI Realtime voice.
type Voice string

// Available voices.
const (
	VoiceAlloy   Voice = "alloy"
	VoiceAsh     Voice = "ash"
	VoiceBallad  Voice = "ballad"
	VoiceCoral   Voice = "coral"
	VoiceEcho    Voice = "echo"
	VoiceSage    Voice = "sage"
	VoiceShimmer Voice = "shimmer"
	VoiceVerse   Voice = "verse"
)

// Modalities the model may answer in.
const (
	ModalityText  = "text"
	ModalityAudio = "audio"
)

// Config holds connection settings for the Client.
type Config struct {
	// APIKey authenticates with the API. Required.
	APIKey string `yaml:"-" json:"-"`

	// URL is the websocket endpoint. Defaults to DefaultURL.
	URL string `yaml:"url" json:"url"`

	// Model is the realtime model. Defaults to DefaultModel.
	Model string `yaml:"model" json:"model"`

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// ReadTimeout closes the connection when the server stays silent this long.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout bounds each outgoing message.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`

	// Logger for structured logging. Defaults to a discarding logger.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:          DefaultURL,
		Model:        DefaultModel,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.URL == "" {
		return fmt.Errorf("realtime: URL is required")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.DialTimeout < 0 {
		return fmt.Errorf("realtime: timeouts must not be negative")
	}
	return nil
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	// Type is "server_vad".
	Type string `json:"type"`

	// Threshold is the activation threshold (0.0-1.0).
	Threshold float64 `json:"threshold,omitempty"`

	// PrefixPaddingMs is audio kept before detected speech.
	PrefixPaddingMs int `json:"prefix_padding_ms,omitempty"`

	// SilenceDurationMs is how long silence must last to end a turn.
	SilenceDurationMs int `json:"silence_duration_ms,omitempty"`
}

// ServerVAD returns the default server-side turn detection settings.
func ServerVAD() *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}
}

// SessionConfig is sent to the server once the session is created.
type SessionConfig struct {
	// Instructions is the system prompt.
	Instructions string

	// Voice used for audio replies.
	Voice Voice

	// Modalities the model answers in. Defaults to text and audio.
	Modalities []string

	// TurnDetection enables server-side VAD. Nil disables it; the client
	// then decides when a turn ends.
	TurnDetection *TurnDetection

	// InputTranscription requests transcripts of user audio.
	InputTranscription bool
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}
