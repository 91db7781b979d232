// Package playback drives finished audio replies to an output device, one
// payload at a time.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-parley/internal/log"
	"github.com/teslashibe/go-parley/pkg/audioio"
)

var (
	// ErrBusy is returned by Play while another payload is playing.
	ErrBusy = errors.New("playback: already playing")

	// ErrStopped is passed to the finished callback when Stop cancelled playback.
	ErrStopped = errors.New("playback: stopped")

	// ErrEmpty is returned by Play for a payload without samples.
	ErrEmpty = errors.New("playback: empty payload")
)

// Error reports a failure while playing one payload.
type Error struct {
	// Op is the step that failed: "convert", "open", "write" or "drain".
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("playback: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsPlaybackError reports whether err is a device failure during playback.
func IsPlaybackError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// DefaultBlockSize is the number of samples written to the device per call.
const DefaultBlockSize = 2400

// Sequencer plays one payload at a time on an output device. Each payload
// gets a freshly opened stream which is closed when the payload ends,
// fails or is stopped.
type Sequencer struct {
	out       audioio.OutputDevice
	blockSize int
	logger    *slog.Logger

	mu         sync.Mutex
	busy       bool
	cancel     context.CancelFunc
	done       chan struct{}
	onStart    func()
	onFinished func(err error)
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// WithBlockSize sets how many samples are written per device call.
func WithBlockSize(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// New creates a sequencer for out.
func New(out audioio.OutputDevice, opts ...Option) *Sequencer {
	s := &Sequencer{out: out, blockSize: DefaultBlockSize}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.Or(s.logger).With("component", "playback")
	return s
}

// OnStart registers a callback invoked once the stream for a payload is open.
func (s *Sequencer) OnStart(fn func()) {
	s.mu.Lock()
	s.onStart = fn
	s.mu.Unlock()
}

// OnFinished registers the completion callback. It receives nil after a
// payload fully drains, a *Error after a device failure, or ErrStopped.
// The sequencer is idle again by the time the callback runs.
func (s *Sequencer) OnFinished(fn func(err error)) {
	s.mu.Lock()
	s.onFinished = fn
	s.mu.Unlock()
}

// Busy reports whether a payload is playing.
func (s *Sequencer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Play starts playing samples recorded at sampleRate and returns
// immediately. Completion is reported through OnFinished.
func (s *Sequencer) Play(ctx context.Context, samples []int16, sampleRate int) error {
	if len(samples) == 0 {
		return ErrEmpty
	}
	if sampleRate <= 0 {
		return fmt.Errorf("playback: invalid sample rate %d", sampleRate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, samples, sampleRate, s.done)
	return nil
}

// Stop cancels the current payload and waits until its stream is released.
// It is a no-op when idle.
func (s *Sequencer) Stop() error {
	s.mu.Lock()
	if !s.busy {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

func (s *Sequencer) run(ctx context.Context, samples []int16, rate int, done chan struct{}) {
	start := time.Now()
	err := s.play(ctx, samples, rate)
	if err != nil && ctx.Err() != nil {
		err = ErrStopped
	}

	s.mu.Lock()
	s.cancel()
	s.busy = false
	onFinished := s.onFinished
	s.mu.Unlock()
	close(done)

	switch {
	case err == nil:
		s.logger.Debug("payload played", "samples", len(samples), "rate", rate, "elapsed", time.Since(start))
	case errors.Is(err, ErrStopped):
		s.logger.Debug("payload stopped", "elapsed", time.Since(start))
	default:
		s.logger.Warn("payload failed", "error", err)
	}

	if onFinished != nil {
		onFinished(err)
	}
}

func (s *Sequencer) play(ctx context.Context, samples []int16, rate int) (err error) {
	native := s.out.NativeFormat()
	if native.SampleRate <= 0 {
		native.SampleRate = rate
	}
	if native.Channels <= 0 {
		native.Channels = 1
	}

	if native.SampleRate != rate {
		samples, err = audioio.Resample(samples, rate, native.SampleRate)
		if err != nil {
			return &Error{Op: "convert", Err: err}
		}
	}
	samples = upmix(samples, native.Channels)

	stream, err := s.out.Open(ctx, native)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			s.logger.Warn("failed to close output stream", "error", cerr)
		}
	}()

	s.mu.Lock()
	onStart := s.onStart
	s.mu.Unlock()
	if onStart != nil {
		onStart()
	}

	block := s.blockSize * native.Channels
	for off := 0; off < len(samples); off += block {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+block, len(samples))
		if err := stream.Write(ctx, audioio.ConvertPCM(samples[off:end], native.Sample)); err != nil {
			return &Error{Op: "write", Err: err}
		}
	}

	if err := stream.Drain(ctx); err != nil {
		return &Error{Op: "drain", Err: err}
	}
	return nil
}

// upmix duplicates mono samples across channels.
func upmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)*channels)
	for i, s := range samples {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}
