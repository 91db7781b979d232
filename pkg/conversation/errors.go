package conversation

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-parley/pkg/playback"
	"github.com/teslashibe/go-parley/pkg/realtime"
	"github.com/teslashibe/go-parley/pkg/tools"
)

// Sentinel errors for the conversation package.
var (
	// ErrInvalidState indicates an operation is not allowed in the current state.
	ErrInvalidState = errors.New("conversation: invalid state")

	// ErrEnded indicates the engine has ended.
	ErrEnded = errors.New("conversation: ended")

	// ErrBusy indicates a model turn is already in flight.
	ErrBusy = errors.New("conversation: still processing previous message")

	// ErrMissingTransport indicates Deps.Transport was nil.
	ErrMissingTransport = errors.New("conversation: transport is required")

	// ErrMissingDevice indicates voice mode was configured without audio devices.
	ErrMissingDevice = errors.New("conversation: voice mode requires input and output devices")
)

// ErrorKind is the stable category carried by error notifications.
type ErrorKind string

const (
	// KindConnection is a transport failure. Fatal only during Start.
	KindConnection ErrorKind = "connection_error"

	// KindDevice is a microphone or speaker failure.
	KindDevice ErrorKind = "device_error"

	// KindPlayback is a failure while playing a reply.
	KindPlayback ErrorKind = "playback_error"

	// KindUnknownTool is a call to a tool that is not registered.
	KindUnknownTool ErrorKind = "unknown_tool_error"

	// KindToolExecution is a tool handler failure.
	KindToolExecution ErrorKind = "tool_execution_error"

	// KindInvalidState is an operation rejected in the current state.
	KindInvalidState ErrorKind = "invalid_state_error"
)

// Error is returned by engine operations and mirrored in error notifications.
type Error struct {
	// Kind categorizes the failure.
	Kind ErrorKind

	// Op is the operation that failed, e.g. "start" or "listen".
	Op string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("conversation: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func invalidState(op string, s State) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Err: fmt.Errorf("%w: %s", ErrInvalidState, s)}
}

// KindOf returns the notification kind for err, or "" when it has none.
func KindOf(err error) ErrorKind {
	var convErr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &convErr):
		return convErr.Kind
	case tools.IsUnknownTool(err):
		return KindUnknownTool
	case tools.IsExecutionError(err):
		return KindToolExecution
	case playback.IsPlaybackError(err):
		return KindPlayback
	case realtime.IsConnectionError(err), realtime.IsAPIError(err):
		return KindConnection
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	default:
		return ""
	}
}

// IsInvalidState reports whether err rejected an operation for the current state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsConnectionError reports whether err is a transport failure.
func IsConnectionError(err error) bool {
	return KindOf(err) == KindConnection
}
