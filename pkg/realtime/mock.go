package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/teslashibe/go-parley/pkg/audioio"
)

// ToolResult is a function result captured by Mock.
type ToolResult struct {
	CallID string
	Output string
}

// Mock is an in-memory stand-in for Client, for testing code that drives
// a realtime session.
type Mock struct {
	mu sync.RWMutex

	// State
	connected bool
	session   *SessionConfig
	tools     []ToolDefinition

	// Captured calls for assertions
	frames        []audioio.Frame
	replyRequests int
	texts         []string
	toolResults   []ToolResult
	connects      int
	disconnects   int

	// Callbacks
	onItemCompleted   func(Item)
	onToolCall        func(ToolCall)
	onSpeechStarted   func()
	onSpeechStopped   func()
	onInputTranscript func(string)
	onResponseDone    func(string)
	onError           func(error)

	// Configurable behavior
	ConnectFunc          func(ctx context.Context) error
	WaitForHandshakeFunc func(ctx context.Context) error
	DisconnectFunc       func() error
	AppendAudioFunc      func(frame audioio.Frame) error
	RequestReplyFunc     func() error
	SendTextFunc         func(text string) error
	SubmitToolResultFunc func(callID, output string) error
}

// NewMock creates a Mock whose handshake completes immediately.
func NewMock() *Mock {
	return &Mock{}
}

// Configure implements the transport.
func (m *Mock) Configure(sc SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = &sc
	return nil
}

// RegisterTool implements the transport.
func (m *Mock) RegisterTool(def ToolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tools {
		if t.Name == def.Name {
			return fmt.Errorf("realtime: tool %q already registered", def.Name)
		}
	}
	m.tools = append(m.tools, def)
	return nil
}

// Connect implements the transport.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// WaitForHandshake implements the transport.
func (m *Mock) WaitForHandshake(ctx context.Context) error {
	if m.WaitForHandshakeFunc != nil {
		return m.WaitForHandshakeFunc(ctx)
	}
	return nil
}

// Disconnect implements the transport.
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	m.disconnects++
	m.connected = false
	m.mu.Unlock()
	if m.DisconnectFunc != nil {
		return m.DisconnectFunc()
	}
	return nil
}

// IsConnected implements the transport.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// AppendInputAudio implements the transport.
func (m *Mock) AppendInputAudio(frame audioio.Frame) error {
	if m.AppendAudioFunc != nil {
		if err := m.AppendAudioFunc(frame); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.frames = append(m.frames, append(audioio.Frame(nil), frame...))
	return nil
}

// RequestReply implements the transport.
func (m *Mock) RequestReply() error {
	m.mu.Lock()
	m.replyRequests++
	m.mu.Unlock()
	if m.RequestReplyFunc != nil {
		return m.RequestReplyFunc()
	}
	return nil
}

// SendText implements the transport.
func (m *Mock) SendText(text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	if m.SendTextFunc != nil {
		return m.SendTextFunc(text)
	}
	return nil
}

// SubmitToolResult implements the transport.
func (m *Mock) SubmitToolResult(callID, output string) error {
	if m.SubmitToolResultFunc != nil {
		if err := m.SubmitToolResultFunc(callID, output); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolResults = append(m.toolResults, ToolResult{CallID: callID, Output: output})
	return nil
}

// OnItemCompleted implements the transport.
func (m *Mock) OnItemCompleted(fn func(Item)) {
	m.mu.Lock()
	m.onItemCompleted = fn
	m.mu.Unlock()
}

// OnToolCall implements the transport.
func (m *Mock) OnToolCall(fn func(ToolCall)) {
	m.mu.Lock()
	m.onToolCall = fn
	m.mu.Unlock()
}

// OnSpeechStarted implements the transport.
func (m *Mock) OnSpeechStarted(fn func()) {
	m.mu.Lock()
	m.onSpeechStarted = fn
	m.mu.Unlock()
}

// OnSpeechStopped implements the transport.
func (m *Mock) OnSpeechStopped(fn func()) {
	m.mu.Lock()
	m.onSpeechStopped = fn
	m.mu.Unlock()
}

// OnInputTranscript implements the transport.
func (m *Mock) OnInputTranscript(fn func(string)) {
	m.mu.Lock()
	m.onInputTranscript = fn
	m.mu.Unlock()
}

// OnResponseDone implements the transport.
func (m *Mock) OnResponseDone(fn func(string)) {
	m.mu.Lock()
	m.onResponseDone = fn
	m.mu.Unlock()
}

// OnError implements the transport.
func (m *Mock) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Test helpers

// Session returns the last configured session, or nil.
func (m *Mock) Session() *SessionConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Tools returns the registered tool definitions.
func (m *Mock) Tools() []ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ToolDefinition(nil), m.tools...)
}

// Frames returns every audio frame sent.
func (m *Mock) Frames() []audioio.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]audioio.Frame(nil), m.frames...)
}

// ReplyRequests returns how many times RequestReply was called.
func (m *Mock) ReplyRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.replyRequests
}

// Texts returns the text messages sent.
func (m *Mock) Texts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.texts...)
}

// ToolResults returns the submitted tool results in order.
func (m *Mock) ToolResults() []ToolResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ToolResult(nil), m.toolResults...)
}

// Connects returns how many times Connect was called.
func (m *Mock) Connects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connects
}

// Disconnects returns how many times Disconnect was called.
func (m *Mock) Disconnects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disconnects
}

// SimulateItem delivers a completed item.
func (m *Mock) SimulateItem(item Item) {
	m.mu.RLock()
	fn := m.onItemCompleted
	m.mu.RUnlock()
	if fn != nil {
		fn(item)
	}
}

// SimulateAudioReply delivers a completed assistant item carrying samples.
func (m *Mock) SimulateAudioReply(id, transcript string, samples []int16) {
	m.SimulateItem(Item{ID: id, Type: "message", Role: "assistant", Transcript: transcript, Audio: samples})
}

// SimulateToolCall delivers a function call followed by its completed item,
// as the server does.
func (m *Mock) SimulateToolCall(call ToolCall) {
	m.mu.RLock()
	fn := m.onToolCall
	m.mu.RUnlock()
	if fn != nil {
		fn(call)
	}
	m.SimulateItem(Item{
		ID:        call.ItemID,
		Type:      "function_call",
		Role:      "assistant",
		CallID:    call.CallID,
		Name:      call.Name,
		Arguments: call.Arguments,
	})
}

// SimulateSpeechStarted delivers a server speech-start signal.
func (m *Mock) SimulateSpeechStarted() {
	m.mu.RLock()
	fn := m.onSpeechStarted
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SimulateSpeechStopped delivers a server speech-stop signal.
func (m *Mock) SimulateSpeechStopped() {
	m.mu.RLock()
	fn := m.onSpeechStopped
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SimulateInputTranscript delivers a user transcript.
func (m *Mock) SimulateInputTranscript(text string) {
	m.mu.RLock()
	fn := m.onInputTranscript
	m.mu.RUnlock()
	if fn != nil {
		fn(text)
	}
}

// SimulateResponseDone reports the end of a response with the given status.
func (m *Mock) SimulateResponseDone(status string) {
	m.mu.RLock()
	fn := m.onResponseDone
	m.mu.RUnlock()
	if fn != nil {
		fn(status)
	}
}

// SimulateError delivers a transport error.
func (m *Mock) SimulateError(err error) {
	m.mu.RLock()
	fn := m.onError
	m.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
