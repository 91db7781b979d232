// Package audioio provides audio capture, playback and framing for the
// conversation engine.
//
// Supported backends:
//   - PortAudio - real microphone and speaker (build tag "portaudio")
//   - File - WAV file replay for input, WAV file recording for output
//   - Mock - CI/Testing without hardware
//
// All audio crossing package boundaries is signed 16-bit little-endian PCM.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects PortAudio when compiled in, otherwise the mock.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendFile replays a WAV file as input and records output to WAV files.
	BackendFile Backend = "file"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Default: 24000 (required by the realtime session)
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the size of capture buffers.
	// Default: 20ms (480 samples at 24kHz)
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// InputFile is the WAV file replayed by the file backend.
	InputFile string `yaml:"input_file" json:"input_file"`

	// OutputDir is where the file backend writes one WAV per played reply.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// Realtime paces file replay at the natural rate of the audio.
	Realtime bool `yaml:"realtime" json:"realtime"`

	// Silence configures the device-side end-of-utterance detector.
	Silence SilenceConfig `yaml:"silence" json:"silence"`
}

// SilenceConfig tunes the RMS silence detector.
type SilenceConfig struct {
	// SpeechThreshold is the normalized RMS level that starts speech.
	SpeechThreshold float64 `yaml:"speech_threshold" json:"speech_threshold"`

	// SilenceThreshold is the normalized RMS level below which a buffer counts as silent.
	SilenceThreshold float64 `yaml:"silence_threshold" json:"silence_threshold"`

	// SpeechBuffers is the number of consecutive loud buffers needed to start speech.
	SpeechBuffers int `yaml:"speech_buffers" json:"speech_buffers"`

	// SilenceBuffers is the number of consecutive quiet buffers that end an utterance.
	SilenceBuffers int `yaml:"silence_buffers" json:"silence_buffers"`
}

// DefaultSilenceConfig returns thresholds suited to 20ms buffers.
func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechBuffers:    3,  // ~60ms to start
		SilenceBuffers:   30, // ~600ms to end
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     24000,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
		Realtime:       true,
		Silence:        DefaultSilenceConfig(),
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("only mono audio is supported, got %d channels", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	if c.BufferSize() == 0 {
		return fmt.Errorf("buffer_duration %v holds no samples at %d Hz", c.BufferDuration, c.SampleRate)
	}
	if c.Backend == BackendFile && c.InputFile == "" {
		return fmt.Errorf("input_file is required for the file backend")
	}
	return c.Silence.Validate()
}

// Validate checks the detector thresholds.
func (c *SilenceConfig) Validate() error {
	if c.SpeechThreshold <= 0 || c.SilenceThreshold <= 0 {
		return fmt.Errorf("silence thresholds must be positive")
	}
	if c.SilenceThreshold > c.SpeechThreshold {
		return fmt.Errorf("silence_threshold %.4f above speech_threshold %.4f", c.SilenceThreshold, c.SpeechThreshold)
	}
	if c.SpeechBuffers <= 0 || c.SilenceBuffers <= 0 {
		return fmt.Errorf("speech_buffers and silence_buffers must be positive")
	}
	return nil
}

// BufferSize returns the number of samples per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes (assuming int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}

// Format returns the PCM format described by the config.
func (c *Config) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels, Sample: SampleInt16}
}
