package audioio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDeviceClosed is returned when a closed device or stream is used.
	ErrDeviceClosed = errors.New("audioio: device closed")

	// ErrFormatMismatch is returned when written samples do not match the stream format.
	ErrFormatMismatch = errors.New("audioio: sample format mismatch")
)

// InputCallbacks receive everything an input device produces. Callbacks may be
// invoked from the device's own goroutine and must not block for long.
type InputCallbacks struct {
	// OnData receives raw PCM16 little-endian bytes in capture order.
	OnData func(p []byte)

	// OnSpeech fires when the device detects the start of speech.
	OnSpeech func()

	// OnSilence fires when the device detects the end of an utterance.
	OnSilence func()

	// OnError reports capture failures. Capture stops after an error.
	OnError func(err error)
}

// InputDevice is a capture device delivering PCM and speech signals.
type InputDevice interface {
	// Start opens the device and begins delivering to cb.
	Start(ctx context.Context, cb InputCallbacks) error

	// Stop halts capture. Safe to call when not started.
	Stop() error
}

// SampleFormat is the native sample type of an output device.
type SampleFormat int

const (
	// SampleInt16 is signed 16-bit PCM.
	SampleInt16 SampleFormat = iota
	// SampleFloat32 is 32-bit float PCM in [-1, 1).
	SampleFloat32
)

func (f SampleFormat) String() string {
	switch f {
	case SampleFloat32:
		return "float32"
	default:
		return "int16"
	}
}

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Sample)
}

// PCM is a buffer of samples in one of the supported sample formats.
type PCM interface {
	Len() int
	Format() SampleFormat
}

// Int16PCM holds signed 16-bit samples.
type Int16PCM []int16

func (p Int16PCM) Len() int              { return len(p) }
func (p Int16PCM) Format() SampleFormat { return SampleInt16 }

// Float32PCM holds float samples.
type Float32PCM []float32

func (p Float32PCM) Len() int              { return len(p) }
func (p Float32PCM) Format() SampleFormat { return SampleFloat32 }

// ConvertPCM converts PCM16 samples to the requested sample format.
func ConvertPCM(samples []int16, to SampleFormat) PCM {
	if to == SampleFloat32 {
		return Float32PCM(Int16ToFloat32(samples))
	}
	return Int16PCM(samples)
}

// OutputStream is one open playback handle.
type OutputStream interface {
	// Write queues samples for playback. The PCM format must match the stream.
	Write(ctx context.Context, pcm PCM) error

	// Drain blocks until all written audio has been played.
	Drain(ctx context.Context) error

	// Close releases the handle. Queued audio may be discarded.
	Close() error
}

// OutputDevice opens playback streams.
type OutputDevice interface {
	// NativeFormat returns the format the device plays without conversion.
	NativeFormat() Format

	// Open acquires a playback handle for the given format.
	Open(ctx context.Context, f Format) (OutputStream, error)
}
