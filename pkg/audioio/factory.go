package audioio

import (
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-parley/internal/log"
)

// NewSource creates a new audio source with the given configuration.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = log.Or(logger)

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBestBackend()
	}

	logger.Info("creating audio source",
		"backend", backend,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"buffer_ms", cfg.BufferDuration.Milliseconds(),
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendFile:
		return NewWAVSource(cfg, cfg.InputFile, logger), nil
	case BackendPortAudio:
		return newPortAudioSource(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// NewInput creates a Microphone over the configured source.
func NewInput(cfg Config, logger *slog.Logger) (*Microphone, error) {
	src, err := NewSource(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewMicrophone(src, cfg.Silence, logger), nil
}

// NewOutput creates an output device with the given configuration.
func NewOutput(cfg Config, logger *slog.Logger) (OutputDevice, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid config: sample_rate must be positive, got %d", cfg.SampleRate)
	}
	logger = log.Or(logger)

	backend := cfg.Backend
	if backend == BackendAuto {
		backend = detectBestBackend()
	}

	logger.Info("creating audio output", "backend", backend, "sample_rate", cfg.SampleRate)

	switch backend {
	case BackendMock:
		return NewMockOutput(cfg.Format()), nil
	case BackendFile:
		dir := cfg.OutputDir
		if dir == "" {
			dir = "replies"
		}
		return NewWAVOutput(dir, cfg.SampleRate, cfg.Realtime, logger), nil
	case BackendPortAudio:
		return newPortAudioOutput(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// detectBestBackend returns the best available backend for this build.
func detectBestBackend() Backend {
	if PortAudioAvailable {
		return BackendPortAudio
	}
	return BackendMock
}

// AvailableBackends returns the list of backends compiled into this binary.
func AvailableBackends() []Backend {
	backends := []Backend{BackendMock, BackendFile}
	if PortAudioAvailable {
		backends = append(backends, BackendPortAudio)
	}
	return backends
}
