package conversation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-parley/pkg/audioio"
	"github.com/teslashibe/go-parley/pkg/realtime"
	"github.com/teslashibe/go-parley/pkg/tools"
)

// Modality selects how the user talks to the model.
type Modality string

const (
	// ModalityVoice streams microphone audio and plays spoken replies.
	ModalityVoice Modality = "voice"

	// ModalityText exchanges text messages; no audio devices are used.
	ModalityText Modality = "text"
)

// Config holds configuration for an Engine.
type Config struct {
	// Instructions is the system prompt for the session.
	Instructions string `yaml:"instructions" json:"instructions"`

	// Voice is the voice used for spoken replies.
	Voice realtime.Voice `yaml:"voice" json:"voice"`

	// Modality selects voice or text conversation.
	Modality Modality `yaml:"modality" json:"modality"`

	// Tools are registered with the session in order. Names must be unique.
	Tools []tools.Tool `yaml:"-" json:"-"`

	// TurnDetection enables server-side turn detection. Nil means the engine
	// ends a turn when the input device reports silence.
	TurnDetection *realtime.TurnDetection `yaml:"turn_detection" json:"turn_detection"`

	// InputTranscription requests transcripts of user speech.
	InputTranscription bool `yaml:"input_transcription" json:"input_transcription"`

	// SampleRate of input frames and reply audio in Hz.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// FrameBytes is the size of each audio frame sent to the transport.
	FrameBytes int `yaml:"frame_bytes" json:"frame_bytes"`

	// HandshakeTimeout bounds the wait for the session handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`

	// ToolTimeout bounds each tool handler. Zero means no limit.
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout"`

	// AllowEnd registers the end_conversation tool.
	AllowEnd bool `yaml:"allow_end" json:"allow_end"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Voice:            realtime.VoiceShimmer,
		Modality:         ModalityVoice,
		SampleRate:       24000,
		FrameBytes:       audioio.DefaultFrameBytes,
		HandshakeTimeout: 10 * time.Second,
		ToolTimeout:      30 * time.Second,
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Modality {
	case ModalityVoice, ModalityText:
	default:
		return fmt.Errorf("conversation: unknown modality %q", c.Modality)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("conversation: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameBytes <= 0 || c.FrameBytes%2 != 0 {
		return fmt.Errorf("conversation: frame size must be a positive even number of bytes, got %d", c.FrameBytes)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("conversation: handshake timeout must be positive")
	}
	if c.ToolTimeout < 0 {
		return fmt.Errorf("conversation: tool timeout must not be negative")
	}
	return nil
}

// Option is a functional option for configuring an Engine.
type Option func(*Config)

// WithInstructions sets the system prompt.
func WithInstructions(instructions string) Option {
	return func(c *Config) {
		c.Instructions = instructions
	}
}

// WithVoice sets the reply voice.
func WithVoice(voice realtime.Voice) Option {
	return func(c *Config) {
		c.Voice = voice
	}
}

// WithModality selects voice or text conversation.
func WithModality(m Modality) Option {
	return func(c *Config) {
		c.Modality = m
	}
}

// WithTools sets the available tools.
func WithTools(t ...tools.Tool) Option {
	return func(c *Config) {
		c.Tools = t
	}
}

// WithTurnDetection enables server-side turn detection.
func WithTurnDetection(td *realtime.TurnDetection) Option {
	return func(c *Config) {
		c.TurnDetection = td
	}
}

// WithHandshakeTimeout bounds the session handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithAllowEnd lets the model end the conversation.
func WithAllowEnd(allow bool) Option {
	return func(c *Config) {
		c.AllowEnd = allow
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}
