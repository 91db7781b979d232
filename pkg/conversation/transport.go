package conversation

import (
	"context"

	"github.com/teslashibe/go-parley/pkg/audioio"
	"github.com/teslashibe/go-parley/pkg/realtime"
)

// Transport is the persistent session with the remote model.
// realtime.Client and realtime.Mock implement it.
type Transport interface {
	// Configure sets the session parameters sent on handshake.
	Configure(sc realtime.SessionConfig) error

	// RegisterTool advertises a function the model may call.
	RegisterTool(def realtime.ToolDefinition) error

	// Connect opens the connection.
	Connect(ctx context.Context) error

	// WaitForHandshake blocks until the server accepts the session.
	WaitForHandshake(ctx context.Context) error

	// Disconnect closes the connection. Safe to call more than once.
	Disconnect() error

	// IsConnected reports whether the connection is open.
	IsConnected() bool

	// AppendInputAudio streams one frame of user audio.
	AppendInputAudio(frame audioio.Frame) error

	// RequestReply ends the user turn and asks for a reply.
	RequestReply() error

	// SendText adds a user text message and asks for a reply.
	SendText(text string) error

	// SubmitToolResult returns a tool result and asks the model to continue.
	SubmitToolResult(callID, output string) error

	// Callbacks. They may be invoked from transport goroutines.
	OnItemCompleted(fn func(realtime.Item))
	OnToolCall(fn func(realtime.ToolCall))
	OnSpeechStarted(fn func())
	OnSpeechStopped(fn func())
	OnResponseDone(fn func(status string))
	OnError(fn func(err error))
}

// transcriber is implemented by transports that report user transcripts.
type transcriber interface {
	OnInputTranscript(fn func(text string))
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	// Transport is required.
	Transport Transport

	// Input and Output are required in voice mode.
	Input  audioio.InputDevice
	Output audioio.OutputDevice
}
