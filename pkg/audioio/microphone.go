package audioio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-parley/internal/log"
)

// Microphone adapts a Source into an InputDevice. It forwards every captured
// chunk as bytes and runs a SilenceDetector over the same chunks to produce
// speech and silence signals.
type Microphone struct {
	src     Source
	silence SilenceConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMicrophone wraps src.
func NewMicrophone(src Source, silence SilenceConfig, logger *slog.Logger) *Microphone {
	return &Microphone{
		src:     src,
		silence: silence,
		logger:  log.Or(logger).With("component", "microphone", "backend", src.Name()),
	}
}

// Start begins capture. Starting a running microphone is a no-op.
func (m *Microphone) Start(ctx context.Context, cb InputCallbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if err := m.src.Start(ctx); err != nil {
		return fmt.Errorf("start %s source: %w", m.src.Name(), err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.pump(pumpCtx, cb, m.done)

	m.logger.Info("microphone started", "sample_rate", m.src.Config().SampleRate)
	return nil
}

func (m *Microphone) pump(ctx context.Context, cb InputCallbacks, done chan struct{}) {
	defer close(done)

	det := NewSilenceDetector(m.silence)
	for {
		chunk, err := m.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				// End of a replayed file closes any open utterance.
				if det.InSpeech() && cb.OnSilence != nil {
					cb.OnSilence()
				}
				m.logger.Debug("source exhausted")
				m.finish(done)
				return
			}
			m.logger.Warn("capture failed", "error", err)
			m.finish(done)
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		if cb.OnData != nil {
			cb.OnData(chunk.Bytes())
		}
		switch det.Process(chunk.Samples) {
		case VADSpeechStart:
			if cb.OnSpeech != nil {
				cb.OnSpeech()
			}
		case VADSilence:
			if cb.OnSilence != nil {
				cb.OnSilence()
			}
		}
	}
}

// finish marks a run that ended on its own as stopped so the next Start
// opens the source again.
func (m *Microphone) finish(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.done != done {
		return
	}
	m.running = false
	m.cancel()
	if err := m.src.Stop(); err != nil {
		m.logger.Warn("failed to stop source", "error", err)
	}
}

// Stop halts capture. It does not wait for an in-flight callback to return;
// callers must tolerate one late delivery.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	m.cancel()
	if err := m.src.Stop(); err != nil {
		return fmt.Errorf("stop %s source: %w", m.src.Name(), err)
	}
	m.logger.Info("microphone stopped")
	return nil
}

// Done is closed when the capture goroutine of the current run has exited.
func (m *Microphone) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.done
}

// Close stops capture and releases the source.
func (m *Microphone) Close() error {
	return errors.Join(m.Stop(), m.src.Close())
}

var _ InputDevice = (*Microphone)(nil)
