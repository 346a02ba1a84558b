package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// mockConn implements the Conn interface for testing.
// Reads are fed through a channel; writes are recorded and optionally answered
// by onWrite, which runs outside the lock.
type mockConn struct {
	mu      sync.Mutex
	readCh  chan []byte
	written [][]byte
	closed  bool
	closeCh chan struct{}

	dropOnce sync.Once
	dropCh   chan struct{}

	writeErr error
	onWrite  func(req Request)
}

func newMockConn(messages ...[]byte) *mockConn {
	m := &mockConn{
		readCh:  make(chan []byte, len(messages)+256),
		closeCh: make(chan struct{}),
		dropCh:  make(chan struct{}),
	}
	for _, msg := range messages {
		m.readCh <- msg
	}
	return m
}

// newEchoMockConn answers every request with result.
func newEchoMockConn(result string) *mockConn {
	m := newMockConn()
	m.onWrite = func(req Request) {
		m.queueJSON(Response{ID: req.ID, Result: json.RawMessage(result)})
	}
	return m
}

// newErrorMockConn answers every request with a CDP error.
func newErrorMockConn(code int, message string) *mockConn {
	m := newMockConn()
	m.onWrite = func(req Request) {
		m.queueJSON(Response{ID: req.ID, Error: &Error{Code: code, Message: message}})
	}
	return m
}

func (m *mockConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-m.readCh:
		return websocket.MessageText, msg, nil
	case <-m.closeCh:
		return 0, nil, errors.New("connection closed")
	case <-m.dropCh:
		return 0, nil, errors.New("connection reset by peer")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (m *mockConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("connection closed")
	}
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return err
	}
	m.written = append(m.written, data)
	onWrite := m.onWrite
	m.mu.Unlock()

	if onWrite != nil {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return err
		}
		onWrite(req)
	}
	return nil
}

func (m *mockConn) Close(code websocket.StatusCode, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeCh)
	}
	return nil
}

// drop simulates the remote end going away without a close handshake.
func (m *mockConn) drop() {
	m.dropOnce.Do(func() { close(m.dropCh) })
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) queue(data []byte) {
	m.readCh <- data
}

func (m *mockConn) queueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	m.readCh <- data
}

func (m *mockConn) requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := make([]Request, 0, len(m.written))
	for _, data := range m.written {
		var req Request
		if err := json.Unmarshal(data, &req); err == nil {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// waitForRequests blocks until n requests have been written.
func (m *mockConn) waitForRequests(t *testing.T, n int) []Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := m.requests(); len(reqs) >= n {
			return reqs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d requests, got %d", n, len(m.requests()))
	return nil
}

// eventJSON builds a notification frame.
func eventJSON(method, sessionID string, params any) []byte {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	data, err := json.Marshal(Event{Method: method, Params: raw, SessionID: sessionID})
	if err != nil {
		panic(err)
	}
	return data
}
