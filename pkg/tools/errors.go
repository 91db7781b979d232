package tools

import (
	"errors"
	"fmt"
)

// Sentinel errors for the tools package.
var (
	// ErrUnknownTool indicates the model called a name that is not registered.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrDuplicateTool indicates a second tool was registered under an existing name.
	ErrDuplicateTool = errors.New("tools: duplicate tool name")

	// ErrInvalidTool indicates a tool definition is unusable.
	ErrInvalidTool = errors.New("tools: invalid tool")

	// ErrInvalidArguments indicates the call arguments could not be parsed or failed validation.
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

// ExecutionError wraps a failure raised by a tool handler, including panics.
type ExecutionError struct {
	// Tool is the name of the failing tool.
	Tool string

	// CallID identifies the failed call.
	CallID string

	// Err is the handler's error.
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tools: %s failed: %v", e.Tool, e.Err)
}

// Unwrap returns the handler error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsUnknownTool reports whether err came from a call to an unregistered tool.
func IsUnknownTool(err error) bool {
	return errors.Is(err, ErrUnknownTool)
}

// IsExecutionError reports whether err came from a failing handler.
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}
