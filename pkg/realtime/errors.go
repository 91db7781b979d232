package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for the realtime package.
var (
	// ErrMissingAPIKey indicates the API key was not provided.
	ErrMissingAPIKey = errors.New("realtime: API key is required")

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("realtime: already connected")

	// ErrConnectionClosed indicates the connection dropped before the operation completed.
	ErrConnectionClosed = errors.New("realtime: connection closed")
)

// APIError is an error event sent by the server.
type APIError struct {
	// Type is the error category, e.g. "invalid_request_error".
	Type string

	// Code is the error code, if any.
	Code string

	// Message is the human-readable error message.
	Message string

	// EventID is the client event that caused the error, if any.
	EventID string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: API error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: API error: %s", e.Message)
}

// ConnectionError reports a websocket failure.
type ConnectionError struct {
	// Op is what the client was doing: "dial", "read" or "write".
	Op string

	// StatusCode is the HTTP status of a failed dial, if any.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("realtime: %s failed (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("realtime: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is a transport failure.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionClosed)
}

// IsAPIError reports whether err was sent by the server.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
