package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/pjaol/cdp-browser/internal/cdp"
)

const (
	// HeartbeatInterval is the default time between heartbeat checks.
	HeartbeatInterval = 5 * time.Second
	// HeartbeatTimeout is the default maximum wait for a heartbeat response.
	HeartbeatTimeout = 5 * time.Second
)

// Heartbeat probes the connection with Browser.getVersion every interval
// until ctx is done. A remote end that stops answering without closing the
// socket would otherwise leave every waiter hanging, so on the first failed
// probe the connection is closed, which fails all pending commands and waits
// with ErrConnectionLost, and the probe error is returned.
func (b *Browser) Heartbeat(ctx context.Context, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	if timeout <= 0 {
		timeout = HeartbeatTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.conn.Done():
			return &cdp.ConnectionLostError{Err: b.conn.Err()}
		case <-ticker.C:
			if err := b.probe(ctx, timeout); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.log.Warn().Err(err).Msg("heartbeat failed, closing connection")
				_ = b.conn.Close()
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// probe sends one Browser.getVersion bounded by timeout.
func (b *Browser) probe(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := b.conn.Send(ctx, "Browser.getVersion", nil)
	return err
}
