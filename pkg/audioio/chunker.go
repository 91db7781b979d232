package audioio

import (
	"bytes"
	"fmt"
)

// DefaultFrameBytes is 100ms of 24kHz mono PCM16.
const DefaultFrameBytes = 4800

// Chunker accumulates raw PCM16 bytes from a capture device and cuts them
// into fixed-size frames. Bytes that do not yet fill a frame stay buffered
// until the next Push; nothing is dropped or padded.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	frameBytes int
	buf        bytes.Buffer
}

// NewChunker returns a Chunker emitting frames of frameBytes bytes.
// frameBytes must be positive and even.
func NewChunker(frameBytes int) (*Chunker, error) {
	if frameBytes <= 0 || frameBytes%2 != 0 {
		return nil, fmt.Errorf("audioio: frame size must be a positive even byte count, got %d", frameBytes)
	}
	return &Chunker{frameBytes: frameBytes}, nil
}

// Push appends p and returns every complete frame now available, in order.
// An empty p is accepted and returns nothing.
func (c *Chunker) Push(p []byte) []Frame {
	if len(p) > 0 {
		c.buf.Write(p)
	}
	n := c.buf.Len() / c.frameBytes
	if n == 0 {
		return nil
	}
	frames := make([]Frame, 0, n)
	for c.buf.Len() >= c.frameBytes {
		frames = append(frames, Frame(BytesToSamples(c.buf.Next(c.frameBytes))))
	}
	return frames
}

// Buffered returns the number of bytes waiting for a full frame.
func (c *Chunker) Buffered() int {
	return c.buf.Len()
}

// FrameBytes returns the configured frame size in bytes.
func (c *Chunker) FrameBytes() int {
	return c.frameBytes
}

// Reset empties the buffer and returns the bytes it held.
func (c *Chunker) Reset() []byte {
	leftover := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	return leftover
}
