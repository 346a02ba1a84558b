// Package cdp implements the Chrome DevTools Protocol engine: one duplex
// transport, a single reader that routes every inbound frame, and a
// dispatcher that correlates commands with their responses.
package cdp

import (
	"context"

	"github.com/coder/websocket"
)

// Conn defines the interface for a WebSocket connection.
// This abstraction enables testing with mock connections.
type Conn interface {
	// Read reads a message from the connection.
	// Returns message type, payload, and any error.
	Read(ctx context.Context) (websocket.MessageType, []byte, error)

	// Write writes a message to the connection.
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error

	// Close closes the connection with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a Conn to a websocket endpoint.
type DialFunc func(ctx context.Context, endpoint string) (Conn, error)

// dialWebSocket is the default DialFunc.
// The read limit is disabled: screenshots and large DOM payloads exceed any sane ceiling.
func dialWebSocket(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(-1)
	return conn, nil
}
