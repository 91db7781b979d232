package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/go-parley/internal/log"
	"github.com/teslashibe/go-parley/pkg/audioio"
)

func waitFinished(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not finish")
		return nil
	}
}

func newSequencer(out audioio.OutputDevice) (*Sequencer, chan error) {
	seq := New(out, WithLogger(log.Discard()))
	finished := make(chan error, 4)
	seq.OnFinished(func(err error) { finished <- err })
	return seq, finished
}

func TestPlayInt16Passthrough(t *testing.T) {
	out := audioio.NewMockOutput(audioio.Format{SampleRate: 24000, Channels: 1, Sample: audioio.SampleInt16})
	seq, finished := newSequencer(out)

	samples := []int16{1, -2, 3, 32767, -32768}
	if err := seq.Play(context.Background(), samples, 24000); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := waitFinished(t, finished); err != nil {
		t.Fatalf("expected clean finish, got %v", err)
	}

	streams := out.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	s := streams[0]
	if !s.Drained() || !s.Closed() {
		t.Errorf("stream drained=%v closed=%v, want both", s.Drained(), s.Closed())
	}
	written := s.Written()
	got, ok := written[0].(audioio.Int16PCM)
	if !ok {
		t.Fatalf("expected Int16PCM, got %T", written[0])
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %d want %d", i, got[i], samples[i])
		}
	}
	if seq.Busy() {
		t.Error("sequencer still busy after finish")
	}
}

func TestPlayFloat32Conversion(t *testing.T) {
	out := audioio.NewMockOutput(audioio.Format{SampleRate: 24000, Channels: 1, Sample: audioio.SampleFloat32})
	seq, finished := newSequencer(out)

	if err := seq.Play(context.Background(), []int16{16384, -32768, 0}, 24000); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := waitFinished(t, finished); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := out.Streams()[0].Written()[0].(audioio.Float32PCM)
	if !ok {
		t.Fatalf("expected Float32PCM")
	}
	want := []float32{0.5, -1, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %f want %f", i, got[i], want[i])
		}
	}
}

func TestPlayResamplesToDeviceRate(t *testing.T) {
	out := audioio.NewMockOutput(audioio.Format{SampleRate: 48000, Channels: 1, Sample: audioio.SampleInt16})
	seq, finished := newSequencer(out)

	samples := make([]int16, 24000)
	for i := range samples {
		samples[i] = int16(i % 100 * 50)
	}
	if err := seq.Play(context.Background(), samples, 24000); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := waitFinished(t, finished); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := out.Streams()[0]
	if s.Format().SampleRate != 48000 {
		t.Errorf("stream opened at %d Hz", s.Format().SampleRate)
	}
	if n := s.Samples(); n < 43200 || n > 48200 {
		t.Errorf("expected about 48000 resampled samples, got %d", n)
	}
}

func TestPlayRejectsOverlap(t *testing.T) {
	out := audioio.NewMockOutput(audioio.Format{SampleRate: 24000, Channels: 1, Sample: audioio.SampleInt16})
	out.Hold = make(chan struct{})
	seq, finished := newSequencer(out)

	if err := seq.Play(context.Background(), []int16{1, 2, 3}, 24000); err != nil {
		t.Fatalf("first Play failed: %v", err)
	}
	if err := seq.Play(context.Background(), []int16{4, 5, 6}, 24000); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !seq.Busy() {
		t.Error("expected Busy while draining")
	}

	close(out.Hold)
	if err := waitFinished(t, finished); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := seq.Play(context.Background(), []int16{4, 5, 6}, 24000); err != nil {
		t.Fatalf("Play after finish failed: %v", err)
	}
	waitFinished(t, finished)

	if n := len(out.Streams()); n != 2 {
		t.Errorf("expected 2 streams, got %d", n)
	}
	if n := out.OpenStreams(); n != 0 {
		t.Errorf("expected all streams closed, %d open", n)
	}
}

func TestStopCancelsAndReleases(t *testing.T) {
	out := audioio.NewMockOutput(audioio.Format{SampleRate: 24000, Channels: 1, Sample: audioio.SampleInt16})
	out.Hold = make(chan struct{})
	seq, finished := newSequencer(out)

	if err := seq.Play(context.Background(), []int16{1, 2, 3}, 24000); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := seq.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if seq.Busy() {
		t.Error("busy after Stop")
	}
	if out.OpenStreams() != 0 {
		t.Error("stream left open after Stop")
	}
	if err := waitFinished(t, finished); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}

	// Idle stop is a no-op.
	if err := seq.Stop(); err != nil {
		t.Errorf("idle Stop returned %v", err)
	}
}

func TestDeviceFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*audioio.MockOutput)
		op    string
	}{
		{
			name: "open fails",
			setup: func(m *audioio.MockOutput) {
				m.OpenFunc = func(context.Context, audioio.Format) error { return errors.New("no device") }
			},
			op: "open",
		},
		{
			name: "write fails",
			setup: func(m *audioio.MockOutput) {
				m.WriteFunc = func(audioio.PCM) error { return errors.New("underrun") }
			},
			op: "write",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := audioio.NewMockOutput(audioio.Format{SampleRate: 24000, Channels: 1, Sample: audioio.SampleInt16})
			tt.setup(out)
			seq, finished := newSequencer(out)

			if err := seq.Play(context.Background(), []int16{1, 2}, 24000); err != nil {
				t.Fatalf("Play failed: %v", err)
			}
			err := waitFinished(t, finished)
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if pe.Op != tt.op {
				t.Errorf("expected op %q, got %q", tt.op, pe.Op)
			}
			if seq.Busy() {
				t.Error("sequencer did not reset to idle")
			}
			if out.OpenStreams() != 0 {
				t.Error("stream left open after failure")
			}
		})
	}
}

func TestPlayValidation(t *testing.T) {
	seq := New(audioio.NewMockOutput(audioio.Format{SampleRate: 24000, Channels: 1}))
	if err := seq.Play(context.Background(), nil, 24000); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if err := seq.Play(context.Background(), []int16{1}, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestOnStartAndUpmix(t *testing.T) {
	out := audioio.NewMockOutput(audioio.Format{SampleRate: 24000, Channels: 2, Sample: audioio.SampleInt16})
	seq, finished := newSequencer(out)
	started := make(chan struct{}, 1)
	seq.OnStart(func() { started <- struct{}{} })

	if err := seq.Play(context.Background(), []int16{7, 9}, 24000); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	waitFinished(t, finished)

	select {
	case <-started:
	default:
		t.Error("OnStart not called")
	}
	got := out.Streams()[0].Written()[0].(audioio.Int16PCM)
	want := []int16{7, 7, 9, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v want %v", got, want)
			break
		}
	}
}
