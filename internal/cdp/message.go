package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request represents a CDP command request.
type Request struct {
	ID        uint64 `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Response represents a CDP command response.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Event represents a CDP notification.
// An empty SessionID means the notification is connection-global.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// errUnknownMessage is returned for frames that are neither responses nor events.
var errUnknownMessage = errors.New("unknown CDP message format")

// message is used internally to determine message type during parsing.
// ID is a pointer so that presence, not value, classifies a response.
type message struct {
	ID        *uint64         `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// parseMessage parses a raw CDP message and returns either a Response or Event.
// Returns (response, nil, nil) for command responses.
// Returns (nil, event, nil) for events.
// Returns (nil, nil, error) for parse errors.
func parseMessage(data []byte) (*Response, *Event, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse CDP message: %w", err)
	}

	if msg.ID != nil {
		return &Response{
			ID:     *msg.ID,
			Result: msg.Result,
			Error:  msg.Error,
		}, nil, nil
	}

	if msg.Method != "" {
		params := msg.Params
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		return nil, &Event{
			Method:    msg.Method,
			Params:    params,
			SessionID: msg.SessionID,
		}, nil
	}

	return nil, nil, fmt.Errorf("%w: %s", errUnknownMessage, truncate(data, 128))
}

// truncate shortens a frame for diagnostics; payloads such as screenshots can be huge.
func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
