// Package conversation runs a voice conversation with a realtime model.
//
// An Engine turns microphone bytes into fixed-size frames for the
// transport, decides when the user turn ends, plays spoken replies one at a
// time, and dispatches tool calls, reporting every transition as a typed
// Event.
//
// All state changes happen on one goroutine. Device, transport, playback
// and tool callbacks post events to it and public methods send it commands,
// so no two transitions race.
//
// Example usage:
//
//	engine, err := conversation.New(cfg, conversation.Deps{
//	    Transport: client,
//	    Input:     mic,
//	    Output:    speaker,
//	})
//	if err != nil {
//	    return err
//	}
//	defer engine.End()
//
//	engine.SubscribeAll(func(ev conversation.Event) {
//	    fmt.Println(ev.Type)
//	})
//
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	return engine.Listen(ctx)
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-parley/internal/log"
	"github.com/teslashibe/go-parley/pkg/audioio"
	"github.com/teslashibe/go-parley/pkg/playback"
	"github.com/teslashibe/go-parley/pkg/realtime"
	"github.com/teslashibe/go-parley/pkg/tools"
)

const (
	queueSize = 256

	// maxCaptureRestarts bounds automatic device restarts between deliveries.
	maxCaptureRestarts = 3
)

// Engine is the conversation state machine.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	transport  Transport
	input      audioio.InputDevice
	sequencer  *playback.Sequencer
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	chunker    *audioio.Chunker
	metrics    *Metrics
	notifier   *notifier

	queue    chan func()
	done     chan struct{}
	loopCtx  context.Context
	stopLoop context.CancelFunc

	snapshot atomic.Int32

	// Owned by the loop goroutine.
	state        State
	listening    bool
	inputGen     int
	processing   bool
	speaking     bool
	pendingTools int
	responses    int
	restarts     int
	replies      []realtime.Item
	startCancel  context.CancelFunc
	disconnected bool
	ended        bool
}

// New creates an engine. The engine goroutine runs until End is called.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, ErrMissingTransport
	}
	if cfg.Modality == ModalityVoice && (deps.Input == nil || deps.Output == nil) {
		return nil, ErrMissingDevice
	}

	logger := log.Or(cfg.Logger).With("component", "conversation")

	chunker, err := audioio.NewChunker(cfg.FrameBytes)
	if err != nil {
		return nil, err
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		transport: deps.Transport,
		input:     deps.Input,
		chunker:   chunker,
		metrics:   NewMetrics(),
		notifier:  newNotifier(logger),
		queue:     make(chan func(), queueSize),
		done:      make(chan struct{}),
		loopCtx:   loopCtx,
		stopLoop:  stopLoop,
	}

	all := append([]tools.Tool(nil), cfg.Tools...)
	if cfg.AllowEnd {
		all = append(all, tools.EndConversation(func(reason string) {
			logger.Info("model ended the conversation", "reason", reason)
			_ = e.End()
		}))
	}
	e.registry, err = tools.NewRegistry(all...)
	if err != nil {
		stopLoop()
		return nil, err
	}
	e.dispatcher = tools.NewDispatcher(e.registry, deps.Transport,
		tools.WithTimeout(cfg.ToolTimeout),
		tools.WithLogger(cfg.Logger),
	)

	if deps.Output != nil {
		e.sequencer = playback.New(deps.Output, playback.WithLogger(cfg.Logger))
		e.sequencer.OnFinished(func(err error) {
			e.post(func() { e.handlePlaybackFinished(err) })
		})
	}

	e.wireTransport()

	go e.run()
	return e, nil
}

func (e *Engine) wireTransport() {
	e.transport.OnItemCompleted(func(it realtime.Item) {
		e.post(func() { e.handleItem(it) })
	})
	e.transport.OnToolCall(func(call realtime.ToolCall) {
		e.post(func() { e.handleToolCall(call) })
	})
	e.transport.OnSpeechStarted(func() {
		e.post(e.handleServerSpeechStarted)
	})
	e.transport.OnSpeechStopped(func() {
		e.post(e.handleServerSpeechStopped)
	})
	e.transport.OnResponseDone(func(status string) {
		e.post(func() { e.handleResponseDone(status) })
	})
	e.transport.OnError(func(err error) {
		e.post(func() { e.handleTransportError(err) })
	})
	if t, ok := e.transport.(transcriber); ok {
		t.OnInputTranscript(func(text string) {
			e.logger.Info("user said", "transcript", text)
		})
	}
}

// run is the engine loop. It exits after End.
func (e *Engine) run() {
	defer close(e.done)
	for fn := range e.queue {
		e.safely(fn)
		if e.ended {
			return
		}
	}
}

func (e *Engine) safely(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("engine handler panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// post queues an event for the loop. Events posted after End are dropped.
func (e *Engine) post(fn func()) {
	select {
	case e.queue <- fn:
	case <-e.done:
	}
}

// do runs fn on the loop and returns its result.
func (e *Engine) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.queue <- func() { reply <- fn() }:
	case <-e.done:
		return ErrEnded
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrEnded
		}
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.snapshot.Load())
}

// Metrics returns the turn latency collector.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Tools returns the tools registered with the session.
func (e *Engine) Tools() []tools.Tool {
	return e.registry.Tools()
}

// Done is closed once the engine has ended.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Subscribe calls fn for every event of type t, in emission order, on a
// goroutine owned by the subscription. The returned function unsubscribes.
func (e *Engine) Subscribe(t EventType, fn func(Event)) func() {
	return e.notifier.subscribe(newSubscription(t, fn))
}

// SubscribeAll calls fn for every event in emission order.
func (e *Engine) SubscribeAll(fn func(Event)) func() {
	return e.notifier.subscribe(newSubscription("", fn))
}

// Events returns a channel of all events emitted from now on. The channel is
// closed after the ended event. Callers must drain it until it is closed.
func (e *Engine) Events() <-chan Event {
	ch := make(chan Event)
	s := newSubscription("", func(ev Event) { ch <- ev })
	s.onClose = func() { close(ch) }
	e.notifier.subscribe(s)
	return ch
}

// Start opens the session: it configures the transport, registers every
// tool, connects and waits for the handshake. Any failure is fatal and
// leaves the engine in the error state.
func (e *Engine) Start(ctx context.Context) error {
	var startCtx context.Context
	err := e.do(func() error {
		if e.state != StateIdle {
			err := invalidState("start", e.state)
			e.emitError(err.Kind, err)
			return err
		}
		var cancel context.CancelFunc
		startCtx, cancel = context.WithCancel(ctx)
		e.startCancel = cancel
		e.setState(StateSettingUp)
		e.emit(Event{Type: EventSettingUp})
		return nil
	})
	if err != nil {
		return err
	}

	// Suspension points run off the loop so it keeps serving events.
	setupErr := e.setup(startCtx)

	err = e.do(func() error {
		if e.startCancel != nil {
			e.startCancel()
			e.startCancel = nil
		}
		if setupErr != nil {
			err := &Error{Kind: KindConnection, Op: "start", Err: setupErr}
			e.emitError(KindConnection, err)
			e.setState(StateError)
			e.disconnect()
			return err
		}
		e.setState(StateReady)
		e.emit(Event{Type: EventReady})
		return nil
	})
	if errors.Is(err, ErrEnded) {
		// End ran during setup. Its disconnect may have raced a dial that
		// completed afterwards.
		_ = e.transport.Disconnect()
	}
	return err
}

func (e *Engine) setup(ctx context.Context) error {
	modalities := []string{realtime.ModalityText, realtime.ModalityAudio}
	if e.cfg.Modality == ModalityText {
		modalities = []string{realtime.ModalityText}
	}
	err := e.transport.Configure(realtime.SessionConfig{
		Instructions:       e.cfg.Instructions,
		Voice:              e.cfg.Voice,
		Modalities:         modalities,
		TurnDetection:      e.cfg.TurnDetection,
		InputTranscription: e.cfg.InputTranscription,
	})
	if err != nil {
		return fmt.Errorf("configure session: %w", err)
	}
	for _, t := range e.registry.Tools() {
		def := realtime.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		if err := e.transport.RegisterTool(def); err != nil {
			return fmt.Errorf("register tool %s: %w", t.Name, err)
		}
	}

	e.logger.Info("connecting", "tools", e.registry.Len(), "modality", e.cfg.Modality)
	if err := e.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()
	if err := e.transport.WaitForHandshake(hsCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("handshake not completed within %s: %w", e.cfg.HandshakeTimeout, err)
		}
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Listen starts the input device and streams its audio to the transport.
// Calling it while already listening does nothing.
func (e *Engine) Listen(ctx context.Context) error {
	return e.do(func() error {
		if !e.state.active() {
			err := invalidState("listen", e.state)
			e.emitError(err.Kind, err)
			return err
		}
		if e.listening {
			return nil
		}
		if e.input == nil || e.cfg.Modality == ModalityText {
			err := &Error{Kind: KindInvalidState, Op: "listen", Err: fmt.Errorf("%w: no input device in %s mode", ErrInvalidState, e.cfg.Modality)}
			e.emitError(err.Kind, err)
			return err
		}

		e.restarts = 0
		if err := e.startInput(); err != nil {
			convErr := &Error{Kind: KindDevice, Op: "listen", Err: err}
			e.emitError(KindDevice, convErr)
			return convErr
		}
		if e.state == StateReady {
			e.setState(StateListening)
		}
		e.emit(Event{Type: EventListening})
		return nil
	})
}

// startInput starts the device with callbacks tagged by a fresh generation
// so deliveries from an earlier run are ignored.
func (e *Engine) startInput() error {
	e.inputGen++
	gen := e.inputGen
	err := e.input.Start(e.loopCtx, audioio.InputCallbacks{
		OnData: func(p []byte) {
			data := append([]byte(nil), p...)
			e.post(func() { e.handleData(gen, data) })
		},
		OnSpeech: func() {
			e.post(func() { e.handleSpeech(gen) })
		},
		OnSilence: func() {
			e.post(func() { e.handleSilence(gen) })
		},
		OnError: func(err error) {
			e.post(func() { e.handleDeviceError(gen, err) })
		},
	})
	if err != nil {
		return err
	}
	e.listening = true
	return nil
}

// StopListening stops the input device and drops any partial frame. A turn
// in flight still completes and then settles in the ready state.
func (e *Engine) StopListening() error {
	return e.do(func() error {
		if !e.state.active() {
			return invalidState("stop listening", e.state)
		}
		if !e.listening {
			return nil
		}
		e.stopInput()
		if e.state == StateListening {
			e.setState(StateReady)
			e.emit(Event{Type: EventReady})
		}
		return nil
	})
}

func (e *Engine) stopInput() {
	e.listening = false
	e.inputGen++
	if err := e.input.Stop(); err != nil {
		e.logger.Warn("failed to stop input device", "error", err)
	}
	if tail := e.chunker.Reset(); len(tail) > 0 {
		e.logger.Debug("discarded partial frame", "bytes", len(tail))
	}
}

// SendText sends a user message in text mode. It returns ErrBusy while the
// previous message is still being answered.
func (e *Engine) SendText(ctx context.Context, text string) error {
	return e.do(func() error {
		if e.cfg.Modality != ModalityText || !e.state.active() {
			err := invalidState("send text", e.state)
			e.emitError(err.Kind, err)
			return err
		}
		if e.processing {
			return ErrBusy
		}
		if err := e.transport.SendText(text); err != nil {
			convErr := &Error{Kind: KindConnection, Op: "send text", Err: err}
			e.emitError(KindConnection, convErr)
			return convErr
		}
		e.beginTurn()
		return nil
	})
}

// End closes the session from any state. The second call is a no-op.
func (e *Engine) End() error {
	err := e.do(func() error {
		if e.ended {
			return nil
		}
		e.ended = true
		if e.startCancel != nil {
			e.startCancel()
		}
		if e.listening {
			e.stopInput()
		}
		if e.sequencer != nil {
			_ = e.sequencer.Stop()
		}
		e.replies = nil
		e.disconnect()
		e.stopLoop()

		e.setState(StateEnded)
		e.emit(Event{Type: EventEnded})
		e.notifier.close()
		e.logger.Info("conversation ended", "turns", e.metrics.Turns())
		return nil
	})
	if errors.Is(err, ErrEnded) {
		return nil
	}
	return err
}

func (e *Engine) disconnect() {
	if e.disconnected {
		return
	}
	e.disconnected = true
	if err := e.transport.Disconnect(); err != nil {
		e.logger.Warn("disconnect failed", "error", err)
	}
}

// Loop handlers

func (e *Engine) handleData(gen int, p []byte) {
	if gen != e.inputGen || !e.listening {
		return
	}
	e.restarts = 0
	for _, frame := range e.chunker.Push(p) {
		if err := e.transport.AppendInputAudio(frame); err != nil {
			e.logger.Warn("failed to send audio frame", "error", err)
			continue
		}
		e.metrics.IncrementFramesSent()
	}
}

func (e *Engine) handleSpeech(gen int) {
	if gen != e.inputGen || !e.listening {
		return
	}
	e.emit(Event{Type: EventUserSpeaking})
}

func (e *Engine) handleSilence(gen int) {
	if gen != e.inputGen || !e.listening {
		return
	}
	if e.cfg.TurnDetection != nil {
		// The server decides when the turn ends.
		return
	}
	if e.processing {
		e.logger.Debug("silence ignored while processing")
		return
	}
	if err := e.transport.RequestReply(); err != nil {
		e.emitError(KindConnection, &Error{Kind: KindConnection, Op: "request reply", Err: err})
		return
	}
	e.beginTurn()
}

// handleDeviceError reports a capture failure and restarts the device so
// the conversation keeps listening. After repeated failures without any
// audio in between the engine stops listening until Listen is called.
func (e *Engine) handleDeviceError(gen int, err error) {
	if gen != e.inputGen || !e.listening {
		return
	}
	e.emitError(KindDevice, &Error{Kind: KindDevice, Op: "capture", Err: err})

	e.stopInput()
	if e.restarts < maxCaptureRestarts {
		e.restarts++
		rerr := e.startInput()
		if rerr == nil {
			e.logger.Info("capture restarted", "attempt", e.restarts)
			return
		}
		e.emitError(KindDevice, &Error{Kind: KindDevice, Op: "restart capture", Err: rerr})
	}
	e.logger.Warn("capture stopped after device errors", "restarts", e.restarts)
	if e.state == StateListening {
		e.setState(StateReady)
		e.emit(Event{Type: EventReady})
	}
}

func (e *Engine) handleServerSpeechStarted() {
	if !e.listening {
		return
	}
	e.emit(Event{Type: EventUserSpeaking})
}

func (e *Engine) handleServerSpeechStopped() {
	if !e.listening || e.processing {
		return
	}
	e.beginTurn()
}

func (e *Engine) beginTurn() {
	e.processing = true
	e.responses++
	e.metrics.MarkSpeechEnd()
	e.setState(StateProcessing)
	e.emit(Event{Type: EventAIResponseProcessing})
}

func (e *Engine) handleItem(it realtime.Item) {
	if !e.state.active() {
		return
	}
	e.emit(Event{Type: EventAIResponseReady, ItemID: it.ID, Transcript: it.Transcript, Text: it.Text})

	switch {
	case it.HasAudio() && e.sequencer != nil:
		e.metrics.MarkFirstAudio()
		if e.speaking {
			e.replies = append(e.replies, it)
			return
		}
		e.play(it)
	case it.IsToolCall():
		// The turn continues once the tool result is submitted.
	default:
		if it.HasAudio() {
			e.logger.Warn("dropping reply audio without an output device", "item_id", it.ID)
		}
		e.settle()
	}
}

func (e *Engine) play(it realtime.Item) {
	if err := e.sequencer.Play(e.loopCtx, it.Audio, e.cfg.SampleRate); err != nil {
		e.emitError(KindPlayback, &Error{Kind: KindPlayback, Op: "play", Err: err})
		e.settle()
		return
	}
	e.speaking = true
	e.setState(StateSpeaking)
	e.emit(Event{Type: EventAISpeaking, ItemID: it.ID, Transcript: it.Transcript})
}

func (e *Engine) handlePlaybackFinished(err error) {
	if !e.speaking {
		return
	}
	e.speaking = false
	if err != nil && !errors.Is(err, playback.ErrStopped) {
		e.emitError(KindPlayback, &Error{Kind: KindPlayback, Op: "playback", Err: err})
	}
	if len(e.replies) > 0 {
		next := e.replies[0]
		e.replies = e.replies[1:]
		e.play(next)
		return
	}
	e.settle()
}

// settle ends the turn unless audio is still queued or tools are running.
func (e *Engine) settle() {
	if e.speaking || len(e.replies) > 0 {
		return
	}
	if e.pendingTools > 0 && e.processing {
		e.setState(StateProcessing)
		return
	}
	wasProcessing := e.processing
	e.processing = false
	e.responses = 0
	if wasProcessing {
		e.metrics.MarkResponseDone()
	}
	if e.listening {
		e.setState(StateListening)
	} else {
		e.setState(StateReady)
	}
	e.emit(Event{Type: EventWaitingForUser})
}

func (e *Engine) handleToolCall(call realtime.ToolCall) {
	if !e.state.active() {
		return
	}
	e.pendingTools++
	e.metrics.IncrementToolCalls()

	go func() {
		res := e.dispatcher.Dispatch(context.Background(), tools.Call{
			ID:        call.CallID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
		e.post(func() { e.handleToolResult(res) })
	}()
}

func (e *Engine) handleToolResult(res tools.Result) {
	if e.pendingTools > 0 {
		e.pendingTools--
	}
	if !e.state.active() {
		e.logger.Debug("discarding tool result", "tool", res.Name, "call_id", res.CallID)
		return
	}

	if !res.Success {
		kind := KindToolExecution
		if tools.IsUnknownTool(res.Err) {
			kind = KindUnknownTool
		}
		e.emitError(kind, res.Err)
	}

	if err := e.dispatcher.Forward(res); err != nil {
		e.emitError(KindConnection, &Error{Kind: KindConnection, Op: "submit tool result", Err: err})
		e.settle()
		return
	}
	// Submitting a result asks the model for another response.
	e.responses++
}

// handleResponseDone ends a turn whose responses are all finished without
// anything left to play, such as a failed or cancelled response.
func (e *Engine) handleResponseDone(status string) {
	if e.responses > 0 {
		e.responses--
	}
	if !e.state.active() || !e.processing {
		return
	}
	if status != "completed" {
		e.logger.Warn("response ended without completing", "status", status)
	}
	if e.responses > 0 || e.speaking || len(e.replies) > 0 || e.pendingTools > 0 {
		return
	}
	e.settle()
}

func (e *Engine) handleTransportError(err error) {
	if e.ended {
		return
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindConnection
	}
	e.emitError(kind, err)

	if !e.processing || e.speaking || len(e.replies) > 0 {
		return
	}
	var connErr *realtime.ConnectionError
	var apiErr *realtime.APIError
	switch {
	case errors.As(err, &connErr):
		// Nothing more will arrive on a dropped connection.
		e.pendingTools = 0
		e.settle()
	case errors.As(err, &apiErr) && e.pendingTools == 0:
		// A rejected request, e.g. committing an empty audio buffer, may
		// never produce a response.
		e.settle()
	}
}

// Emit helpers

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.logger.Debug("state transition", "from", e.state, "to", s)
	e.state = s
	e.snapshot.Store(int32(s))
}

func (e *Engine) emit(ev Event) {
	ev.State = e.state
	ev.Time = time.Now()
	e.notifier.emit(ev)
}

func (e *Engine) emitError(kind ErrorKind, err error) {
	e.logger.Warn("conversation error", "kind", kind, "error", err)
	e.emit(Event{Type: EventError, Kind: kind, Message: err.Error()})
}
