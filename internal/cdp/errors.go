package cdp

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned by Transport operations after Close or peer hang-up.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrConnectionLost is matched by every error caused by the transport dying
	// while a command or wait was outstanding.
	ErrConnectionLost = errors.New("connection lost")

	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrTargetCrashed is matched by CrashError.
	ErrTargetCrashed = errors.New("target crashed")
)

// CodeMethodNotFound is the JSON-RPC code Chrome returns for an unknown method.
const CodeMethodNotFound = -32601

// Error represents a CDP protocol error returned by the remote end.
// It is the CommandError of the engine: the remote rejected a command.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// ConnectError reports that a transport could not be established.
type ConnectError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectionLostError wraps the transport failure that ended a connection.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	if e.Err == nil {
		return ErrConnectionLost.Error()
	}
	return fmt.Sprintf("%v: %v", ErrConnectionLost, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// Is reports ErrConnectionLost so callers need not know the cause.
func (e *ConnectionLostError) Is(target error) bool { return target == ErrConnectionLost }

// SendError reports a failed write to the transport.
type SendError struct {
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("failed to send request: %v", e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// TimeoutError reports a wait that exceeded its deadline or was cancelled.
// It unwraps to the context error.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s timed out: %v", e.Op, e.Err) }

func (e *TimeoutError) Unwrap() error { return e.Err }

// CrashError reports that the target crashed while an operation was waiting on it.
type CrashError struct {
	TargetID  string
	SessionID string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("target %s crashed (session %s)", e.TargetID, e.SessionID)
}

// Is reports ErrTargetCrashed.
func (e *CrashError) Is(target error) bool { return target == ErrTargetCrashed }
