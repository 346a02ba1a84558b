package cdp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Transport owns one duplex connection: connect, send bytes, receive the next
// message, close. It performs no framing or correlation of its own.
type Transport struct {
	conn    Conn
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps an established connection.
func NewTransport(conn Conn) *Transport {
	return &Transport{conn: conn}
}

// Connect opens a transport to endpoint, retrying per policy.
// Every failed attempt is logged; after the last one a *ConnectError wrapping
// the final cause is returned.
func Connect(ctx context.Context, endpoint string, dial DialFunc, policy RetryPolicy, log zerolog.Logger) (*Transport, error) {
	if dial == nil {
		dial = dialWebSocket
	}

	maxAttempts := policy.attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := dial(ctx, endpoint)
		if err == nil {
			if attempt > 1 {
				log.Info().Str("endpoint", endpoint).Int("attempt", attempt).Msg("connected")
			}
			return NewTransport(conn), nil
		}
		lastErr = err

		if attempt == maxAttempts {
			log.Warn().Err(err).Str("endpoint", endpoint).
				Int("attempt", attempt).Int("max", maxAttempts).
				Msg("connect attempt failed, giving up")
			break
		}

		delay := policy.NextDelay(attempt)
		log.Warn().Err(err).Str("endpoint", endpoint).
			Int("attempt", attempt).Int("max", maxAttempts).Dur("retry_in", delay).
			Msg("connect attempt failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &ConnectError{Endpoint: endpoint, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return nil, &ConnectError{Endpoint: endpoint, Attempts: maxAttempts, Err: lastErr}
}

// Send writes one text message. Writes are serialized.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return &SendError{Err: ErrTransportClosed}
	}

	t.writeMu.Lock()
	err := t.conn.Write(ctx, websocket.MessageText, data)
	t.writeMu.Unlock()
	if err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// Receive blocks for the next inbound message.
// Once the transport is closed it returns an error matching ErrTransportClosed.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if t.closed.Load() {
			return nil, ErrTransportClosed
		}
		return nil, errors.Join(ErrTransportClosed, err)
	}
	return data, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
	return t.closeErr
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	return t.closed.Load()
}
