package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/teslashibe/go-parley/internal/log"
)

// WAVSource replays a WAV file as if it were a microphone. Any bit depth,
// channel count and sample rate are accepted and converted to the configured
// mono PCM16 rate.
type WAVSource struct {
	cfg    Config
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	dec      *wav.Decoder
	rs       *Resampler
	buf      *audio.IntBuffer
	bitDepth int
	channels int
	running  bool
	closed   bool
}

// NewWAVSource creates a source reading path.
func NewWAVSource(cfg Config, path string, logger *slog.Logger) *WAVSource {
	return &WAVSource{
		cfg:    cfg,
		path:   path,
		logger: log.Or(logger).With("component", "wav_source", "path", path),
	}
}

// Start opens the file and validates its header.
func (s *WAVSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return fmt.Errorf("open wav: %s is not a valid WAV file", s.path)
	}
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		f.Close()
		return fmt.Errorf("read wav header: %w", err)
	}

	rs, err := NewResampler(int(dec.SampleRate), s.cfg.SampleRate)
	if err != nil {
		f.Close()
		return err
	}

	channels := max(int(dec.NumChans), 1)
	s.file = f
	s.dec = dec
	s.rs = rs
	s.channels = channels
	s.bitDepth = int(dec.BitDepth)
	s.buf = &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
		Data:   make([]int, s.framesPerRead()*channels),
	}
	s.running = true

	s.logger.Info("wav replay started",
		"file_rate", dec.SampleRate,
		"channels", channels,
		"bit_depth", dec.BitDepth,
	)
	return nil
}

func (s *WAVSource) framesPerRead() int {
	if s.dec == nil || s.dec.SampleRate == 0 {
		return s.cfg.BufferSize()
	}
	return max(int(float64(s.dec.SampleRate)*s.cfg.BufferDuration.Seconds()), 1)
}

// Read returns the next buffer, converted to mono PCM16 at the configured rate.
func (s *WAVSource) Read(ctx context.Context) (AudioChunk, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return AudioChunk{}, io.EOF
	}
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		s.mu.Unlock()
		return AudioChunk{}, fmt.Errorf("decode wav: %w", err)
	}
	if n == 0 {
		s.mu.Unlock()
		return AudioChunk{}, io.EOF
	}
	mono := s.toMono(s.buf.Data[:n])
	samples, err := s.rs.Process(mono)
	s.mu.Unlock()
	if err != nil {
		return AudioChunk{}, err
	}

	if s.cfg.Realtime {
		d := time.Duration(len(samples)) * time.Second / time.Duration(s.cfg.SampleRate)
		select {
		case <-ctx.Done():
			return AudioChunk{}, ctx.Err()
		case <-time.After(d):
		}
	}

	return AudioChunk{Samples: samples, SampleRate: s.cfg.SampleRate, Channels: 1}, nil
}

func (s *WAVSource) toMono(data []int) []int16 {
	shift := s.bitDepth - 16
	out := make([]int16, len(data)/s.channels)
	for i := range out {
		var sum int
		for ch := 0; ch < s.channels; ch++ {
			v := data[i*s.channels+ch]
			switch {
			case shift > 0:
				v >>= shift
			case shift < 0:
				v <<= -shift
			}
			sum += v
		}
		out[i] = int16(sum / s.channels)
	}
	return out
}

// Stop closes the file.
func (s *WAVSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	return s.file.Close()
}

// Config returns the audio configuration.
func (s *WAVSource) Config() Config {
	return s.cfg
}

// Name returns "file".
func (s *WAVSource) Name() string {
	return "file"
}

// Close releases resources.
func (s *WAVSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

var _ Source = (*WAVSource)(nil)

// WAVOutput records every playback stream to its own WAV file in a directory.
type WAVOutput struct {
	dir      string
	rate     int
	realtime bool
	logger   *slog.Logger

	mu    sync.Mutex
	files []string
}

// NewWAVOutput creates an output device writing into dir at the given rate.
// With realtime set, Drain waits for the natural duration of the audio.
func NewWAVOutput(dir string, sampleRate int, realtime bool, logger *slog.Logger) *WAVOutput {
	return &WAVOutput{
		dir:      dir,
		rate:     sampleRate,
		realtime: realtime,
		logger:   log.Or(logger).With("component", "wav_output", "dir", dir),
	}
}

// NativeFormat implements OutputDevice.
func (o *WAVOutput) NativeFormat() Format {
	return Format{SampleRate: o.rate, Channels: 1, Sample: SampleInt16}
}

// Open implements OutputDevice.
func (o *WAVOutput) Open(ctx context.Context, f Format) (OutputStream, error) {
	if f.Sample != SampleInt16 || f.Channels != 1 {
		return nil, fmt.Errorf("%w: wav output records mono int16, got %s", ErrFormatMismatch, f)
	}
	if err := os.MkdirAll(o.dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	path := filepath.Join(o.dir, fmt.Sprintf("reply-%s-%s.wav", time.Now().Format("20060102-150405"), uuid.NewString()[:8]))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}

	o.mu.Lock()
	o.files = append(o.files, path)
	o.mu.Unlock()

	o.logger.Debug("recording reply", "file", path)
	return &wavStream{
		out:    o,
		file:   file,
		format: f,
		enc:    wav.NewEncoder(file, f.SampleRate, 16, 1, 1),
	}, nil
}

// Files returns the paths written so far.
func (o *WAVOutput) Files() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.files...)
}

type wavStream struct {
	out     *WAVOutput
	file    *os.File
	format  Format
	enc     *wav.Encoder
	samples int
	closed  bool
}

func (s *wavStream) Write(ctx context.Context, pcm PCM) error {
	if s.closed {
		return ErrDeviceClosed
	}
	samples, ok := pcm.(Int16PCM)
	if !ok {
		return ErrFormatMismatch
	}
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: s.format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	s.samples += len(samples)
	return nil
}

func (s *wavStream) Drain(ctx context.Context) error {
	if s.closed {
		return ErrDeviceClosed
	}
	if !s.out.realtime || s.samples == 0 {
		return nil
	}
	d := time.Duration(s.samples) * time.Second / time.Duration(s.format.SampleRate)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *wavStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	encErr := s.enc.Close()
	if err := s.file.Close(); err != nil && encErr == nil {
		return err
	}
	return encErr
}

var _ OutputDevice = (*WAVOutput)(nil)
