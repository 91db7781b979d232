package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-parley/internal/log"
)

// MockSource is a mock audio source for testing.
// It replays scripted chunks, then generates silence or a sine wave.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan AudioChunk
	stopCh   chan struct{}

	chunksRead  atomic.Int64
	samplesRead atomic.Int64

	script    [][]int16
	eof       bool
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithScript makes the mock deliver the given chunks first, in order.
// With eof set, Read returns io.EOF once the script is exhausted.
func WithScript(eof bool, chunks ...[]int16) MockSourceOption {
	return func(m *MockSource) {
		m.script = chunks
		m.eof = eof
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	m := &MockSource{
		cfg:       cfg,
		logger:    log.Or(logger),
		amplitude: 0.5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.streamCh = make(chan AudioChunk, 10)

	go m.generateLoop(ctx, m.streamCh, m.stopCh)

	m.logger.Info("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
		"scripted", len(m.script),
	)
	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, out chan<- AudioChunk, stop <-chan struct{}) {
	defer close(out)

	for _, samples := range m.script {
		chunk := AudioChunk{Samples: samples, SampleRate: m.cfg.SampleRate, Channels: m.cfg.Channels}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case out <- chunk:
			m.chunksRead.Add(1)
			m.samplesRead.Add(int64(len(samples)))
		}
	}
	if m.eof {
		return
	}

	ticker := time.NewTicker(m.cfg.BufferDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			chunk := m.generateChunk()
			select {
			case out <- chunk:
				m.chunksRead.Add(1)
				m.samplesRead.Add(int64(len(chunk.Samples)))
			default:
				m.logger.Debug("mock source: buffer full, dropping chunk")
			}
		}
	}
}

func (m *MockSource) generateChunk() AudioChunk {
	bufferSize := m.cfg.BufferSize()
	samples := make([]int16, bufferSize*m.cfg.Channels)

	if m.frequency > 0 {
		for i := 0; i < bufferSize; i++ {
			sample := m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate))
			sampleInt := int16(sample * 32767)
			for ch := 0; ch < m.cfg.Channels; ch++ {
				samples[i*m.cfg.Channels+ch] = sampleInt
			}
			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}

	return AudioChunk{
		Samples:    samples,
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
	}
}

// Stop halts audio generation.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	close(m.stopCh)

	m.logger.Info("mock audio source stopped")
	return nil
}

// Read reads the next audio chunk.
func (m *MockSource) Read(ctx context.Context) (AudioChunk, error) {
	m.mu.Lock()
	ch := m.streamCh
	m.mu.Unlock()
	if ch == nil {
		return AudioChunk{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-ch:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// ChunksRead returns how many chunks have been produced.
func (m *MockSource) ChunksRead() int64 {
	return m.chunksRead.Load()
}

var _ Source = (*MockSource)(nil)

// MockInput is an InputDevice driven entirely by the test through Simulate
// helpers.
type MockInput struct {
	mu      sync.Mutex
	running bool
	cb      InputCallbacks

	// Configurable behavior
	StartFunc func(ctx context.Context) error
	StopFunc  func() error

	// Captured calls for assertions
	StartCount int
	StopCount  int
}

// NewMockInput creates a new MockInput.
func NewMockInput() *MockInput {
	return &MockInput{}
}

// Start implements InputDevice.
func (m *MockInput) Start(ctx context.Context, cb InputCallbacks) error {
	m.mu.Lock()
	m.StartCount++
	m.mu.Unlock()

	if m.StartFunc != nil {
		if err := m.StartFunc(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.cb = cb
	return nil
}

// Stop implements InputDevice.
func (m *MockInput) Stop() error {
	m.mu.Lock()
	m.StopCount++
	m.running = false
	m.mu.Unlock()

	if m.StopFunc != nil {
		return m.StopFunc()
	}
	return nil
}

// Running reports whether the device is started.
func (m *MockInput) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Starts returns the number of Start calls.
func (m *MockInput) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StartCount
}

// Stops returns the number of Stop calls.
func (m *MockInput) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StopCount
}

func (m *MockInput) callbacks() InputCallbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb
}

// SimulateData delivers p through OnData.
func (m *MockInput) SimulateData(p []byte) {
	if fn := m.callbacks().OnData; fn != nil {
		fn(p)
	}
}

// SimulateSpeech fires OnSpeech.
func (m *MockInput) SimulateSpeech() {
	if fn := m.callbacks().OnSpeech; fn != nil {
		fn()
	}
}

// SimulateSilence fires OnSilence.
func (m *MockInput) SimulateSilence() {
	if fn := m.callbacks().OnSilence; fn != nil {
		fn()
	}
}

// SimulateError fires OnError.
func (m *MockInput) SimulateError(err error) {
	if fn := m.callbacks().OnError; fn != nil {
		fn(err)
	}
}

var _ InputDevice = (*MockInput)(nil)

// MockOutput is an OutputDevice that records every played payload.
// Drain returns immediately unless Hold is set, in which case it blocks until
// Hold is closed or the context is cancelled.
type MockOutput struct {
	format Format

	mu      sync.Mutex
	streams []*MockStream

	// Configurable behavior
	OpenFunc  func(ctx context.Context, f Format) error
	WriteFunc func(pcm PCM) error
	Hold      chan struct{}
}

// NewMockOutput creates a mock device with the given native format.
func NewMockOutput(native Format) *MockOutput {
	return &MockOutput{format: native}
}

// NativeFormat implements OutputDevice.
func (m *MockOutput) NativeFormat() Format {
	return m.format
}

// Open implements OutputDevice.
func (m *MockOutput) Open(ctx context.Context, f Format) (OutputStream, error) {
	if m.OpenFunc != nil {
		if err := m.OpenFunc(ctx, f); err != nil {
			return nil, err
		}
	}
	s := &MockStream{dev: m, format: f}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

// Streams returns every stream opened so far.
func (m *MockOutput) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// OpenStreams returns the number of streams not yet closed.
func (m *MockOutput) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// MockStream records what was written to one playback handle.
type MockStream struct {
	dev    *MockOutput
	format Format

	mu      sync.Mutex
	written []PCM
	drained bool
	closed  bool
}

// Format returns the format the stream was opened with.
func (s *MockStream) Format() Format {
	return s.format
}

// Write implements OutputStream.
func (s *MockStream) Write(ctx context.Context, pcm PCM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceClosed
	}
	if pcm.Format() != s.format.Sample {
		return ErrFormatMismatch
	}
	if s.dev.WriteFunc != nil {
		if err := s.dev.WriteFunc(pcm); err != nil {
			return err
		}
	}
	s.written = append(s.written, pcm)
	return nil
}

// Drain implements OutputStream.
func (s *MockStream) Drain(ctx context.Context) error {
	if hold := s.dev.Hold; hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceClosed
	}
	s.drained = true
	return nil
}

// Close implements OutputStream.
func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Drained reports whether Drain completed.
func (s *MockStream) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}

// Written returns the buffers written to the stream.
func (s *MockStream) Written() []PCM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PCM(nil), s.written...)
}

// Samples returns the total number of samples written.
func (s *MockStream) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.written {
		n += p.Len()
	}
	return n
}

var _ OutputDevice = (*MockOutput)(nil)
