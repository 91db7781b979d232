package audioio

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestNewChunker_InvalidSize(t *testing.T) {
	for _, n := range []int{0, -2, 4801} {
		if _, err := NewChunker(n); err == nil {
			t.Errorf("NewChunker(%d) should fail", n)
		}
	}
}

func TestChunker_SplitDeliveries(t *testing.T) {
	c, err := NewChunker(DefaultFrameBytes)
	if err != nil {
		t.Fatalf("NewChunker failed: %v", err)
	}

	if frames := c.Push(make([]byte, 2200)); len(frames) != 0 {
		t.Fatalf("expected no frames after 2200 bytes, got %d", len(frames))
	}
	if c.Buffered() != 2200 {
		t.Errorf("expected 2200 buffered, got %d", c.Buffered())
	}

	frames := c.Push(make([]byte, 2600))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if len(frames[0]) != DefaultFrameBytes/2 {
		t.Errorf("expected %d samples, got %d", DefaultFrameBytes/2, len(frames[0]))
	}
	if c.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d", c.Buffered())
	}
}

func TestChunker_EmptyAndLargePushes(t *testing.T) {
	c, _ := NewChunker(8)

	if frames := c.Push(nil); frames != nil {
		t.Errorf("nil push returned %d frames", len(frames))
	}
	if frames := c.Push([]byte{}); frames != nil {
		t.Errorf("empty push returned %d frames", len(frames))
	}

	frames := c.Push(make([]byte, 8*10+3))
	if len(frames) != 10 {
		t.Errorf("expected 10 frames, got %d", len(frames))
	}
	if c.Buffered() != 3 {
		t.Errorf("expected 3 leftover bytes, got %d", c.Buffered())
	}
}

func TestChunker_PreservesBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c, _ := NewChunker(DefaultFrameBytes)

	var in, out bytes.Buffer
	for i := 0; i < 200; i++ {
		p := make([]byte, rng.Intn(3*DefaultFrameBytes))
		rng.Read(p)
		in.Write(p)

		for _, f := range c.Push(p) {
			if len(f)*2 != DefaultFrameBytes {
				t.Fatalf("partial frame emitted: %d bytes", len(f)*2)
			}
			out.Write(f.Bytes())
		}
		if c.Buffered() >= DefaultFrameBytes {
			t.Fatalf("buffer holds a full frame: %d", c.Buffered())
		}
	}
	out.Write(c.Reset())

	if !bytes.Equal(in.Bytes(), out.Bytes()) {
		t.Fatalf("frames plus leftover differ from input (%d vs %d bytes)", out.Len(), in.Len())
	}
	if c.Buffered() != 0 {
		t.Errorf("Reset should empty the buffer")
	}
}

func TestChunker_LittleEndian(t *testing.T) {
	c, _ := NewChunker(4)
	frames := c.Push([]byte{0x01, 0x00, 0xff, 0x7f})
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0][0] != 1 || frames[0][1] != 32767 {
		t.Errorf("unexpected samples %v", frames[0])
	}
}
