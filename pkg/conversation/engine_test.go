package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-parley/internal/log"
	"github.com/teslashibe/go-parley/pkg/audioio"
	"github.com/teslashibe/go-parley/pkg/realtime"
	"github.com/teslashibe/go-parley/pkg/tools"
)

var (
	_ Transport   = (*realtime.Mock)(nil)
	_ Transport   = (*realtime.Client)(nil)
	_ transcriber = (*realtime.Client)(nil)
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(e *Engine) *recorder {
	r := &recorder{}
	e.SubscribeAll(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// waitFor blocks until n events of typ were seen and returns the last one.
func (r *recorder) waitFor(t *testing.T, typ EventType, n int) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var last Event
		seen := 0
		for _, ev := range r.all() {
			if ev.Type == typ {
				seen++
				last = ev
			}
		}
		if seen >= n {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, got %v", n, typ, r.types())
	return Event{}
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flush waits until every event posted so far has been handled.
func flush(e *Engine) {
	_ = e.do(func() error { return nil })
}

type voiceRig struct {
	engine    *Engine
	transport *realtime.Mock
	input     *audioio.MockInput
	output    *audioio.MockOutput
	events    *recorder
}

func newVoiceRig(t *testing.T, opts ...Option) *voiceRig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = log.Discard()
	cfg.HandshakeTimeout = time.Second
	cfg.Apply(opts...)

	rig := &voiceRig{
		transport: realtime.NewMock(),
		input:     audioio.NewMockInput(),
		output:    audioio.NewMockOutput(audioio.Format{SampleRate: 24000, Channels: 1, Sample: audioio.SampleInt16}),
	}
	e, err := New(cfg, Deps{Transport: rig.transport, Input: rig.input, Output: rig.output})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.End() })
	rig.engine = e
	rig.events = record(e)
	return rig
}

// listening starts the session and the microphone.
func (r *voiceRig) listening(t *testing.T) {
	t.Helper()
	if err := r.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.engine.Listen(context.Background()); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
}

func replyAudio(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	return samples
}

func TestNew(t *testing.T) {
	t.Run("requires transport", func(t *testing.T) {
		_, err := New(DefaultConfig(), Deps{})
		if !errors.Is(err, ErrMissingTransport) {
			t.Errorf("expected ErrMissingTransport, got %v", err)
		}
	})

	t.Run("voice mode requires devices", func(t *testing.T) {
		_, err := New(DefaultConfig(), Deps{Transport: realtime.NewMock()})
		if !errors.Is(err, ErrMissingDevice) {
			t.Errorf("expected ErrMissingDevice, got %v", err)
		}
	})

	t.Run("text mode needs no devices", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Modality = ModalityText
		e, err := New(cfg, Deps{Transport: realtime.NewMock()})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer e.End()
		if e.State() != StateIdle {
			t.Errorf("expected idle, got %s", e.State())
		}
	})

	t.Run("rejects duplicate tool names", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Modality = ModalityText
		cfg.Tools = []tools.Tool{echoTool(), echoTool()}
		if _, err := New(cfg, Deps{Transport: realtime.NewMock()}); !errors.Is(err, tools.ErrDuplicateTool) {
			t.Errorf("expected ErrDuplicateTool, got %v", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.FrameBytes = 4801
		if _, err := New(cfg, Deps{Transport: realtime.NewMock()}); err == nil {
			t.Error("expected error for odd frame size")
		}
	})
}

func TestStart(t *testing.T) {
	t.Run("configures session and registers tools", func(t *testing.T) {
		rig := newVoiceRig(t,
			WithInstructions("be brief"),
			WithTools(echoTool()),
			WithAllowEnd(true),
		)
		if err := rig.engine.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if rig.engine.State() != StateReady {
			t.Errorf("expected ready, got %s", rig.engine.State())
		}
		rig.events.waitFor(t, EventReady, 1)
		got := rig.events.types()
		if got[0] != EventSettingUp || got[1] != EventReady {
			t.Errorf("unexpected event order: %v", got)
		}

		sc := rig.transport.Session()
		if sc == nil {
			t.Fatal("session not configured")
		}
		if sc.Instructions != "be brief" || sc.Voice != realtime.VoiceShimmer {
			t.Errorf("unexpected session: %+v", sc)
		}
		if len(sc.Modalities) != 2 {
			t.Errorf("expected text and audio modalities, got %v", sc.Modalities)
		}

		defs := rig.transport.Tools()
		if len(defs) != 2 || defs[0].Name != "echo" || defs[1].Name != tools.EndConversationName {
			t.Errorf("unexpected tools: %+v", defs)
		}
		if rig.transport.Connects() != 1 {
			t.Errorf("expected 1 connect, got %d", rig.transport.Connects())
		}
	})

	t.Run("second start is rejected", func(t *testing.T) {
		rig := newVoiceRig(t)
		if err := rig.engine.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		err := rig.engine.Start(context.Background())
		if !IsInvalidState(err) {
			t.Errorf("expected invalid state, got %v", err)
		}
		ev := rig.events.waitFor(t, EventError, 1)
		if ev.Kind != KindInvalidState {
			t.Errorf("expected %s, got %s", KindInvalidState, ev.Kind)
		}
		if rig.engine.State() != StateReady {
			t.Errorf("state changed to %s", rig.engine.State())
		}
	})

	t.Run("connect failure is fatal", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.transport.ConnectFunc = func(ctx context.Context) error {
			return errors.New("connection refused")
		}

		err := rig.engine.Start(context.Background())
		if KindOf(err) != KindConnection {
			t.Errorf("expected connection error, got %v", err)
		}
		if rig.engine.State() != StateError {
			t.Errorf("expected error state, got %s", rig.engine.State())
		}
		ev := rig.events.waitFor(t, EventError, 1)
		if ev.Kind != KindConnection {
			t.Errorf("expected %s, got %s", KindConnection, ev.Kind)
		}
		if rig.transport.Disconnects() != 1 {
			t.Errorf("expected cleanup disconnect, got %d", rig.transport.Disconnects())
		}
		if rig.events.count(EventReady) != 0 {
			t.Error("ready emitted after failure")
		}
	})

	t.Run("handshake timeout", func(t *testing.T) {
		rig := newVoiceRig(t, WithHandshakeTimeout(50*time.Millisecond))
		rig.transport.WaitForHandshakeFunc = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}

		start := time.Now()
		err := rig.engine.Start(context.Background())
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("timeout not honoured, took %s", elapsed)
		}
		if rig.engine.State() != StateError {
			t.Errorf("expected error state, got %s", rig.engine.State())
		}
	})

	t.Run("end during setup", func(t *testing.T) {
		rig := newVoiceRig(t)
		entered := make(chan struct{})
		rig.transport.WaitForHandshakeFunc = func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}

		errc := make(chan error, 1)
		go func() { errc <- rig.engine.Start(context.Background()) }()
		<-entered
		if err := rig.engine.End(); err != nil {
			t.Fatalf("End failed: %v", err)
		}

		select {
		case err := <-errc:
			if !errors.Is(err, ErrEnded) {
				t.Errorf("expected ErrEnded, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Start did not return after End")
		}
		if rig.engine.State() != StateEnded {
			t.Errorf("expected ended, got %s", rig.engine.State())
		}
		if rig.transport.IsConnected() {
			t.Error("connection left open")
		}
	})

	t.Run("end while connect completes", func(t *testing.T) {
		rig := newVoiceRig(t)
		entered := make(chan struct{})
		rig.transport.ConnectFunc = func(ctx context.Context) error {
			close(entered)
			// The dial finishes only after End has already disconnected.
			deadline := time.Now().Add(2 * time.Second)
			for rig.transport.Disconnects() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			return nil
		}
		rig.transport.WaitForHandshakeFunc = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}

		errc := make(chan error, 1)
		go func() { errc <- rig.engine.Start(context.Background()) }()
		<-entered
		if err := rig.engine.End(); err != nil {
			t.Fatalf("End failed: %v", err)
		}

		select {
		case err := <-errc:
			if !errors.Is(err, ErrEnded) {
				t.Errorf("expected ErrEnded, got %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("Start did not return after End")
		}
		if rig.transport.IsConnected() {
			t.Error("connection opened during End left open")
		}
	})
}

func TestListen(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		rig := newVoiceRig(t)
		if err := rig.engine.Listen(context.Background()); !IsInvalidState(err) {
			t.Errorf("expected invalid state, got %v", err)
		}
		if rig.input.Starts() != 0 {
			t.Error("device started before session")
		}
	})

	t.Run("twice starts device once", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)
		if err := rig.engine.Listen(context.Background()); err != nil {
			t.Fatalf("second Listen failed: %v", err)
		}
		if rig.input.Starts() != 1 {
			t.Errorf("expected 1 device start, got %d", rig.input.Starts())
		}
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}
		flush(rig.engine)
		rig.events.waitFor(t, EventListening, 1)
		if n := rig.events.count(EventListening); n != 1 {
			t.Errorf("expected 1 listening event, got %d", n)
		}
	})

	t.Run("device failure", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.input.StartFunc = func(ctx context.Context) error {
			return errors.New("no microphone")
		}
		if err := rig.engine.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		err := rig.engine.Listen(context.Background())
		if KindOf(err) != KindDevice {
			t.Errorf("expected device error, got %v", err)
		}
		if rig.engine.State() != StateReady {
			t.Errorf("expected ready, got %s", rig.engine.State())
		}
	})

	t.Run("stop listening discards partial frame", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)
		rig.input.SimulateData(make([]byte, 1000))
		flush(rig.engine)

		if err := rig.engine.StopListening(); err != nil {
			t.Fatalf("StopListening failed: %v", err)
		}
		if rig.input.Running() {
			t.Error("device still running")
		}
		if rig.engine.State() != StateReady {
			t.Errorf("expected ready, got %s", rig.engine.State())
		}

		// Late device callbacks are ignored.
		rig.input.SimulateData(make([]byte, 4000))
		flush(rig.engine)
		if n := len(rig.transport.Frames()); n != 0 {
			t.Errorf("expected no frames, got %d", n)
		}
	})
}

func TestAudioFraming(t *testing.T) {
	rig := newVoiceRig(t)
	rig.listening(t)

	rig.input.SimulateData(make([]byte, 2200))
	flush(rig.engine)
	if n := len(rig.transport.Frames()); n != 0 {
		t.Fatalf("expected no frames after 2200 bytes, got %d", n)
	}

	rig.input.SimulateData(make([]byte, 2600))
	flush(rig.engine)
	frames := rig.transport.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if len(frames[0]) != audioio.DefaultFrameBytes/2 {
		t.Errorf("expected %d samples, got %d", audioio.DefaultFrameBytes/2, len(frames[0]))
	}
	if rig.engine.chunker.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", rig.engine.chunker.Buffered())
	}
}

func TestTurn(t *testing.T) {
	t.Run("silence requests one reply", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)

		rig.input.SimulateSpeech()
		rig.input.SimulateSilence()
		rig.input.SimulateSilence()
		flush(rig.engine)

		if n := rig.transport.ReplyRequests(); n != 1 {
			t.Errorf("expected 1 reply request, got %d", n)
		}
		if rig.engine.State() != StateProcessing {
			t.Errorf("expected processing, got %s", rig.engine.State())
		}
		rig.events.waitFor(t, EventAIResponseProcessing, 1)
		if rig.events.count(EventUserSpeaking) != 1 {
			t.Error("expected user_speaking")
		}
	})

	t.Run("audio reply plays then returns to listening", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)
		rig.input.SimulateSilence()

		rig.transport.SimulateAudioReply("item_1", "hello there", replyAudio(4800))

		ready := rig.events.waitFor(t, EventAIResponseReady, 1)
		if ready.ItemID != "item_1" || ready.Transcript != "hello there" {
			t.Errorf("unexpected ready event: %+v", ready)
		}
		speaking := rig.events.waitFor(t, EventAISpeaking, 1)
		if speaking.State != StateSpeaking {
			t.Errorf("expected speaking state on ai_speaking, got %s", speaking.State)
		}
		waiting := rig.events.waitFor(t, EventWaitingForUser, 1)
		if waiting.State != StateListening {
			t.Errorf("expected listening after turn, got %s", waiting.State)
		}

		streams := rig.output.Streams()
		if len(streams) != 1 {
			t.Fatalf("expected 1 playback, got %d", len(streams))
		}
		if streams[0].Samples() != 4800 {
			t.Errorf("expected 4800 samples played, got %d", streams[0].Samples())
		}
		if rig.engine.Metrics().Turns() != 1 {
			t.Errorf("expected 1 turn recorded, got %d", rig.engine.Metrics().Turns())
		}
	})

	t.Run("replies play one at a time", func(t *testing.T) {
		rig := newVoiceRig(t)
		hold := make(chan struct{})
		rig.output.Hold = hold
		var overlap bool
		rig.output.OpenFunc = func(ctx context.Context, f audioio.Format) error {
			if rig.output.OpenStreams() > 0 {
				overlap = true
			}
			return nil
		}
		rig.listening(t)
		rig.input.SimulateSilence()

		rig.transport.SimulateAudioReply("item_1", "first", replyAudio(2400))
		rig.transport.SimulateAudioReply("item_2", "second", replyAudio(2400))
		rig.events.waitFor(t, EventAIResponseReady, 2)
		flush(rig.engine)

		if n := len(rig.output.Streams()); n != 1 {
			t.Errorf("expected second reply queued, got %d streams", n)
		}
		if rig.engine.State() != StateSpeaking {
			t.Errorf("expected speaking, got %s", rig.engine.State())
		}

		close(hold)
		rig.events.waitFor(t, EventWaitingForUser, 1)

		if n := len(rig.output.Streams()); n != 2 {
			t.Errorf("expected 2 playbacks, got %d", n)
		}
		if overlap {
			t.Error("two playbacks overlapped")
		}
		if n := rig.events.count(EventAISpeaking); n != 2 {
			t.Errorf("expected 2 ai_speaking events, got %d", n)
		}
	})

	t.Run("text only reply ends turn", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)
		rig.input.SimulateSilence()

		rig.transport.SimulateItem(realtime.Item{ID: "item_1", Type: "message", Role: "assistant", Text: "ok"})
		rig.events.waitFor(t, EventWaitingForUser, 1)
		if len(rig.output.Streams()) != 0 {
			t.Error("unexpected playback")
		}
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}
	})

	t.Run("playback failure is not fatal", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.output.OpenFunc = func(ctx context.Context, f audioio.Format) error {
			return errors.New("device busy")
		}
		rig.listening(t)
		rig.input.SimulateSilence()

		rig.transport.SimulateAudioReply("item_1", "", replyAudio(100))
		ev := rig.events.waitFor(t, EventError, 1)
		if ev.Kind != KindPlayback {
			t.Errorf("expected %s, got %s", KindPlayback, ev.Kind)
		}
		rig.events.waitFor(t, EventWaitingForUser, 1)
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}
	})

	t.Run("server turn detection", func(t *testing.T) {
		rig := newVoiceRig(t, WithTurnDetection(realtime.ServerVAD()))
		rig.listening(t)

		rig.input.SimulateSilence()
		flush(rig.engine)
		if rig.engine.State() != StateListening {
			t.Errorf("local silence should be ignored, got %s", rig.engine.State())
		}

		rig.transport.SimulateSpeechStarted()
		rig.transport.SimulateSpeechStopped()
		flush(rig.engine)
		if rig.engine.State() != StateProcessing {
			t.Errorf("expected processing, got %s", rig.engine.State())
		}
		if n := rig.transport.ReplyRequests(); n != 0 {
			t.Errorf("server decides replies, got %d requests", n)
		}
		rig.events.waitFor(t, EventUserSpeaking, 1)
	})

	t.Run("device error restarts capture", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)
		rig.input.SimulateError(errors.New("overflow"))
		ev := rig.events.waitFor(t, EventError, 1)
		if ev.Kind != KindDevice {
			t.Errorf("expected %s, got %s", KindDevice, ev.Kind)
		}
		flush(rig.engine)
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}
		if err := rig.engine.Listen(context.Background()); err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		if n := rig.input.Starts(); n != 2 {
			t.Errorf("expected device restarted once, got %d starts", n)
		}
		if !rig.input.Running() {
			t.Fatal("device not running after restart")
		}

		rig.input.SimulateData(make([]byte, DefaultConfig().FrameBytes))
		flush(rig.engine)
		if n := len(rig.transport.Frames()); n != 1 {
			t.Errorf("expected audio to flow after restart, got %d frames", n)
		}
	})

	t.Run("failed restart stops listening", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)
		rig.input.StartFunc = func(ctx context.Context) error {
			return errors.New("device unplugged")
		}
		rig.input.SimulateError(errors.New("overflow"))
		rig.events.waitFor(t, EventError, 2)
		flush(rig.engine)
		if rig.engine.State() != StateReady {
			t.Errorf("expected ready, got %s", rig.engine.State())
		}

		rig.input.StartFunc = nil
		if err := rig.engine.Listen(context.Background()); err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		if n := rig.input.Starts(); n != 3 {
			t.Errorf("expected Listen to start the device again, got %d starts", n)
		}
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}
	})

	t.Run("rejected reply request ends the turn", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)

		rig.input.SimulateSilence()
		rig.transport.SimulateError(&realtime.APIError{Type: "invalid_request_error", Code: "input_audio_buffer_commit_empty"})
		rig.events.waitFor(t, EventWaitingForUser, 1)
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}

		rig.input.SimulateSilence()
		flush(rig.engine)
		if n := rig.transport.ReplyRequests(); n != 2 {
			t.Errorf("expected the next utterance to be answered, got %d requests", n)
		}
	})

	t.Run("dropped connection ends the turn", func(t *testing.T) {
		rig := newVoiceRig(t, WithTools(echoTool()))
		rig.listening(t)

		rig.input.SimulateSilence()
		rig.transport.SimulateError(&realtime.ConnectionError{Op: "read", Err: errors.New("EOF")})
		ev := rig.events.waitFor(t, EventError, 1)
		if ev.Kind != KindConnection {
			t.Errorf("expected %s, got %s", KindConnection, ev.Kind)
		}
		rig.events.waitFor(t, EventWaitingForUser, 1)
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}
	})

	t.Run("failed response ends the turn", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)

		rig.input.SimulateSilence()
		rig.transport.SimulateResponseDone("failed")
		rig.events.waitFor(t, EventWaitingForUser, 1)
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}
		rig.input.SimulateSilence()
		flush(rig.engine)
		if n := rig.transport.ReplyRequests(); n != 2 {
			t.Errorf("expected 2 reply requests, got %d", n)
		}
	})

	t.Run("response done after playback is ignored", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)

		rig.input.SimulateSilence()
		rig.transport.SimulateAudioReply("item_1", "hi", replyAudio(240))
		rig.transport.SimulateResponseDone("completed")
		rig.events.waitFor(t, EventWaitingForUser, 1)
		flush(rig.engine)
		if n := rig.events.count(EventWaitingForUser); n != 1 {
			t.Errorf("expected one waiting_for_user, got %d", n)
		}
	})
}

func echoTool() tools.Tool {
	type args struct {
		Text string `json:"text"`
	}
	return tools.MustNew("echo", "Echo text back", func(ctx context.Context, a args) (any, error) {
		return map[string]string{"echo": a.Text}, nil
	})
}

func failingTool() tools.Tool {
	type args struct{}
	return tools.MustNew("explode", "Always fails", func(ctx context.Context, a args) (any, error) {
		return nil, errors.New("boom")
	})
}

func TestToolCalls(t *testing.T) {
	t.Run("result is submitted", func(t *testing.T) {
		rig := newVoiceRig(t, WithTools(echoTool()))
		rig.listening(t)
		rig.input.SimulateSilence()

		rig.transport.SimulateToolCall(realtime.ToolCall{CallID: "call_1", ItemID: "item_1", Name: "echo", Arguments: `{"text":"hi"}`})
		waitUntil(t, "tool result", func() bool { return len(rig.transport.ToolResults()) == 1 })

		res := rig.transport.ToolResults()[0]
		if res.CallID != "call_1" {
			t.Errorf("expected call_1, got %s", res.CallID)
		}
		if res.Output != `{"result":{"echo":"hi"},"success":true}` {
			t.Errorf("unexpected output: %s", res.Output)
		}
		flush(rig.engine)
		if rig.engine.State() != StateProcessing {
			t.Errorf("expected processing until the model replies, got %s", rig.engine.State())
		}
		if rig.events.count(EventWaitingForUser) != 0 {
			t.Error("turn ended before the model replied")
		}

		rig.transport.SimulateAudioReply("item_2", "hi", replyAudio(240))
		rig.events.waitFor(t, EventWaitingForUser, 1)
		if rig.engine.Metrics().Turns() != 1 {
			t.Errorf("expected 1 turn, got %d", rig.engine.Metrics().Turns())
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)
		rig.input.SimulateSilence()

		rig.transport.SimulateToolCall(realtime.ToolCall{CallID: "call_1", Name: "missing", Arguments: `{}`})
		ev := rig.events.waitFor(t, EventError, 1)
		if ev.Kind != KindUnknownTool {
			t.Errorf("expected %s, got %s", KindUnknownTool, ev.Kind)
		}
		waitUntil(t, "tool result", func() bool { return len(rig.transport.ToolResults()) == 1 })
		if rig.engine.State() == StateError {
			t.Error("unknown tool must not be fatal")
		}
	})

	t.Run("tool call outside a turn keeps state", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)

		rig.transport.SimulateToolCall(realtime.ToolCall{CallID: "call_1", Name: "missing", Arguments: `{}`})
		waitUntil(t, "tool result", func() bool { return len(rig.transport.ToolResults()) == 1 })
		flush(rig.engine)
		if rig.engine.State() != StateListening {
			t.Errorf("expected listening, got %s", rig.engine.State())
		}
		if n := rig.events.count(EventAIResponseProcessing); n != 0 {
			t.Errorf("no turn should start, got %d processing events", n)
		}
	})

	t.Run("failing tool", func(t *testing.T) {
		rig := newVoiceRig(t, WithTools(failingTool()))
		rig.listening(t)
		rig.input.SimulateSilence()

		rig.transport.SimulateToolCall(realtime.ToolCall{CallID: "call_1", Name: "explode", Arguments: `{}`})
		ev := rig.events.waitFor(t, EventError, 1)
		if ev.Kind != KindToolExecution {
			t.Errorf("expected %s, got %s", KindToolExecution, ev.Kind)
		}
		waitUntil(t, "tool result", func() bool { return len(rig.transport.ToolResults()) == 1 })
		if out := rig.transport.ToolResults()[0].Output; !strings.Contains(out, `"success":false`) || !strings.Contains(out, "boom") {
			t.Errorf("expected a failed result for the model, got %s", out)
		}
		if rig.engine.State() == StateError {
			t.Error("tool failure must not be fatal")
		}
	})

	t.Run("model ends conversation", func(t *testing.T) {
		rig := newVoiceRig(t, WithAllowEnd(true))
		rig.listening(t)

		rig.transport.SimulateToolCall(realtime.ToolCall{CallID: "call_1", Name: tools.EndConversationName, Arguments: `{"reason":"goodbye"}`})
		select {
		case <-rig.engine.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not end")
		}
		if rig.engine.State() != StateEnded {
			t.Errorf("expected ended, got %s", rig.engine.State())
		}
	})
}

func TestEnd(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.listening(t)
		events := rig.engine.Events()

		if err := rig.engine.End(); err != nil {
			t.Fatalf("End failed: %v", err)
		}
		if err := rig.engine.End(); err != nil {
			t.Fatalf("second End failed: %v", err)
		}

		var ended int
		for ev := range events {
			if ev.Type == EventEnded {
				ended++
			}
		}
		if ended != 1 {
			t.Errorf("expected 1 ended event, got %d", ended)
		}
		if n := rig.transport.Disconnects(); n != 1 {
			t.Errorf("expected 1 disconnect, got %d", n)
		}
		if rig.input.Running() {
			t.Error("device still running")
		}
		if rig.engine.State() != StateEnded {
			t.Errorf("expected ended, got %s", rig.engine.State())
		}
	})

	t.Run("operations after end", func(t *testing.T) {
		rig := newVoiceRig(t)
		_ = rig.engine.End()
		if err := rig.engine.Start(context.Background()); !errors.Is(err, ErrEnded) {
			t.Errorf("expected ErrEnded, got %v", err)
		}
		if err := rig.engine.Listen(context.Background()); !errors.Is(err, ErrEnded) {
			t.Errorf("expected ErrEnded, got %v", err)
		}
	})

	t.Run("stops playback", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.output.Hold = make(chan struct{})
		rig.listening(t)
		rig.input.SimulateSilence()
		rig.transport.SimulateAudioReply("item_1", "", replyAudio(2400))
		rig.events.waitFor(t, EventAISpeaking, 1)

		if err := rig.engine.End(); err != nil {
			t.Fatalf("End failed: %v", err)
		}
		if n := rig.output.OpenStreams(); n != 0 {
			t.Errorf("expected playback released, %d streams open", n)
		}
	})

	t.Run("after start failure", func(t *testing.T) {
		rig := newVoiceRig(t)
		rig.transport.ConnectFunc = func(ctx context.Context) error {
			return errors.New("refused")
		}
		_ = rig.engine.Start(context.Background())
		_ = rig.engine.End()
		if rig.engine.State() != StateEnded {
			t.Errorf("expected ended, got %s", rig.engine.State())
		}
		if n := rig.transport.Disconnects(); n != 1 {
			t.Errorf("expected 1 disconnect, got %d", n)
		}
	})
}

func newTextEngine(t *testing.T) (*Engine, *realtime.Mock, *recorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Modality = ModalityText
	cfg.Logger = log.Discard()
	transport := realtime.NewMock()
	e, err := New(cfg, Deps{Transport: transport})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.End() })
	r := record(e)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return e, transport, r
}

func TestTextMode(t *testing.T) {
	t.Run("one message at a time", func(t *testing.T) {
		e, transport, events := newTextEngine(t)

		if sc := transport.Session(); len(sc.Modalities) != 1 || sc.Modalities[0] != realtime.ModalityText {
			t.Errorf("expected text modality, got %v", sc.Modalities)
		}

		if err := e.SendText(context.Background(), "hello"); err != nil {
			t.Fatalf("SendText failed: %v", err)
		}
		if err := e.SendText(context.Background(), "again"); !errors.Is(err, ErrBusy) {
			t.Errorf("expected ErrBusy, got %v", err)
		}
		if got := transport.Texts(); len(got) != 1 || got[0] != "hello" {
			t.Errorf("unexpected texts: %v", got)
		}

		transport.SimulateItem(realtime.Item{ID: "item_1", Type: "message", Role: "assistant", Text: "hi!"})
		ready := events.waitFor(t, EventAIResponseReady, 1)
		if ready.Text != "hi!" {
			t.Errorf("expected reply text, got %q", ready.Text)
		}
		events.waitFor(t, EventWaitingForUser, 1)
		if e.State() != StateReady {
			t.Errorf("expected ready, got %s", e.State())
		}

		if err := e.SendText(context.Background(), "next"); err != nil {
			t.Errorf("SendText after reply failed: %v", err)
		}
	})

	t.Run("listen is rejected", func(t *testing.T) {
		e, _, _ := newTextEngine(t)
		if err := e.Listen(context.Background()); !IsInvalidState(err) {
			t.Errorf("expected invalid state, got %v", err)
		}
	})

	t.Run("send failure", func(t *testing.T) {
		e, transport, _ := newTextEngine(t)
		transport.SendTextFunc = func(text string) error { return realtime.ErrNotConnected }
		err := e.SendText(context.Background(), "hello")
		if KindOf(err) != KindConnection {
			t.Errorf("expected connection error, got %v", err)
		}
		if e.State() != StateReady {
			t.Errorf("expected ready, got %s", e.State())
		}
	})
}

func TestSubscribe(t *testing.T) {
	rig := newVoiceRig(t)

	var mu sync.Mutex
	var got []EventType
	unsubscribe := rig.engine.Subscribe(EventReady, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})
	rig.engine.Subscribe(EventSettingUp, func(ev Event) {
		panic("subscriber bug")
	})

	if err := rig.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitUntil(t, "ready event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	unsubscribe()

	_ = rig.engine.Listen(context.Background())
	_ = rig.engine.StopListening()
	rig.events.waitFor(t, EventReady, 2)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %v", got)
	}
}
