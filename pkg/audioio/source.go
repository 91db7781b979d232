package audioio

import (
	"context"
	"io"
)

// AudioChunk is one read from a Source.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Bytes encodes the samples as s16le.
func (c *AudioChunk) Bytes() []byte {
	return SamplesToBytes(c.Samples)
}

// Source is a pull-based capture backend. Microphone wraps a Source to
// provide the push-based InputDevice the engine consumes.
type Source interface {
	Start(ctx context.Context) error

	// Stop halts capture. Safe to call more than once.
	Stop() error

	// Read blocks for the next chunk and returns io.EOF once the source is
	// stopped or exhausted.
	Read(ctx context.Context) (AudioChunk, error)

	Config() Config

	// Name is the backend name: "portaudio", "file" or "mock".
	Name() string

	// Close releases the backend. A closed source cannot be restarted.
	io.Closer
}
