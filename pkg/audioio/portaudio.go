//go:build portaudio

package audioio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/teslashibe/go-parley/internal/log"
)

// PortAudioAvailable reports whether the binary was built with PortAudio.
const PortAudioAvailable = true

var (
	paMu   sync.Mutex
	paRefs int
)

// acquirePortAudio initializes the library on first use.
func acquirePortAudio() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("error initializing portaudio: %w", err)
		}
	}
	paRefs++
	return nil
}

func releasePortAudio() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		return nil
	}
	paRefs--
	if paRefs == 0 {
		if err := portaudio.Terminate(); err != nil {
			return fmt.Errorf("error terminating portaudio: %w", err)
		}
	}
	return nil
}

// PortAudioSource captures from the default input device.
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	data    []int16
	stream  *portaudio.Stream
	running bool
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return &PortAudioSource{cfg: cfg, logger: log.Or(logger).With("component", "portaudio_source")}, nil
}

// Start opens and starts the input stream.
func (s *PortAudioSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := acquirePortAudio(); err != nil {
		return err
	}
	s.data = make([]int16, s.cfg.BufferSize())
	stream, err := portaudio.OpenDefaultStream(s.cfg.Channels, 0, float64(s.cfg.SampleRate), len(s.data), &s.data)
	if err != nil {
		releasePortAudio()
		return fmt.Errorf("error opening audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releasePortAudio()
		return fmt.Errorf("error starting audio stream: %w", err)
	}
	s.stream = stream
	s.running = true
	return nil
}

// Read blocks for one buffer of capture.
func (s *PortAudioSource) Read(ctx context.Context) (AudioChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return AudioChunk{}, io.EOF
	}
	if err := s.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			s.logger.Debug("audio input overflowed")
		} else {
			return AudioChunk{}, fmt.Errorf("error reading audio stream: %w", err)
		}
	}
	return AudioChunk{Samples: slices.Clone(s.data), SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}, nil
}

// Stop stops and closes the input stream.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	err := errors.Join(s.stream.Stop(), s.stream.Close())
	return errors.Join(err, releasePortAudio())
}

// Config returns the audio configuration.
func (s *PortAudioSource) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSource) Name() string { return "portaudio" }

// Close releases resources.
func (s *PortAudioSource) Close() error { return s.Stop() }

// PortAudioOutput plays through the default output device in float32.
type PortAudioOutput struct {
	rate   int
	logger *slog.Logger
}

func newPortAudioOutput(cfg Config, logger *slog.Logger) (OutputDevice, error) {
	return &PortAudioOutput{rate: cfg.SampleRate, logger: log.Or(logger).With("component", "portaudio_output")}, nil
}

// NativeFormat implements OutputDevice.
func (o *PortAudioOutput) NativeFormat() Format {
	return Format{SampleRate: o.rate, Channels: 1, Sample: SampleFloat32}
}

// Open implements OutputDevice.
func (o *PortAudioOutput) Open(ctx context.Context, f Format) (OutputStream, error) {
	if f.Sample != SampleFloat32 {
		return nil, fmt.Errorf("%w: portaudio output plays float32, got %s", ErrFormatMismatch, f)
	}
	if err := acquirePortAudio(); err != nil {
		return nil, err
	}
	out := make([]float32, 2048)
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), len(out), &out)
	if err != nil {
		releasePortAudio()
		return nil, fmt.Errorf("error opening audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releasePortAudio()
		return nil, fmt.Errorf("error starting audio stream: %w", err)
	}
	return &portAudioStream{stream: stream, out: out, logger: o.logger}, nil
}

type portAudioStream struct {
	stream    *portaudio.Stream
	out       []float32
	remainder []float32
	logger    *slog.Logger
	closed    bool
}

func (s *portAudioStream) Write(ctx context.Context, pcm PCM) error {
	if s.closed {
		return ErrDeviceClosed
	}
	buffer, ok := pcm.(Float32PCM)
	if !ok {
		return ErrFormatMismatch
	}
	if len(s.remainder) > 0 {
		buffer = append(s.remainder, buffer...)
		s.remainder = nil
	}
	for chunk := range slices.Chunk([]float32(buffer), len(s.out)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(chunk) < len(s.out) {
			s.remainder = slices.Clone(chunk)
			break
		}
		copy(s.out, chunk)
		if err := s.write(); err != nil {
			return err
		}
	}
	return nil
}

func (s *portAudioStream) write() error {
	if err := s.stream.Write(); err != nil {
		if errors.Is(err, portaudio.OutputUnderflowed) {
			s.logger.Debug("audio output underflowed")
			return nil
		}
		return fmt.Errorf("error writing audio stream: %w", err)
	}
	return nil
}

// Drain pads and writes the remainder; Stop then blocks until the device
// has played every queued buffer.
func (s *portAudioStream) Drain(ctx context.Context) error {
	if s.closed {
		return ErrDeviceClosed
	}
	if len(s.remainder) > 0 {
		copy(s.out, s.remainder)
		clear(s.out[len(s.remainder):])
		s.remainder = nil
		if err := s.write(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *portAudioStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := errors.Join(s.stream.Stop(), s.stream.Close())
	return errors.Join(err, releasePortAudio())
}
