package cdp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Connection is a CDP client bound to one browser-level transport.
// It owns the transport and the single goroutine that reads from it.
type Connection struct {
	transport  *Transport
	dispatcher *dispatcher
	router     *router
	log        zerolog.Logger

	closeOnce sync.Once
	closeMu   sync.Mutex
	closeErr  error

	// done is closed once the read loop has exited and pending commands have failed.
	done chan struct{}
}

// Option configures a Connection.
type Option func(*options)

type options struct {
	log     zerolog.Logger
	metrics *Metrics
	limiter *rate.Limiter
	retry   RetryPolicy
	dial    DialFunc
}

func defaultOptions() options {
	return options{
		log:   zerolog.Nop(),
		retry: DefaultRetryPolicy(),
	}
}

// WithLogger sets the logger used by every engine component.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics records engine metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRateLimit paces outbound commands to rps with the given burst.
// A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		if rps <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the connect retry policy used by Dial.
func WithRetry(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithDialer replaces the websocket dialer used by Dial.
func WithDialer(dial DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// Dial connects to a CDP endpoint, retrying per the configured policy, and
// returns a running Connection.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	t, err := Connect(ctx, endpoint, o.dial, o.retry, o.log)
	if err != nil {
		return nil, err
	}
	return newConnection(t, o), nil
}

// NewConnection creates a Connection over an established conn.
func NewConnection(conn Conn, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newConnection(NewTransport(conn), o)
}

func newConnection(t *Transport, o options) *Connection {
	d := newDispatcher(t, o.limiter, o.metrics, o.log)
	c := &Connection{
		transport:  t,
		dispatcher: d,
		router:     newRouter(t, d, o.metrics, o.log),
		log:        o.log,
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop runs the router and fails everything still pending when it stops.
func (c *Connection) readLoop() {
	defer close(c.done)

	err := c.router.run()
	if isClosedByUs(c.transport, err) {
		c.dispatcher.failAll(ErrTransportClosed)
		return
	}

	c.closeMu.Lock()
	c.closeErr = err
	c.closeMu.Unlock()

	n := c.dispatcher.failAll(err)
	c.log.Warn().Err(err).Int("pending", n).Msg("connection lost")
	_ = c.transport.Close()
}

// Send sends a connection-level command and waits for its response.
// The caller's context bounds the wait; there is no implicit timeout.
func (c *Connection) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.dispatcher.send(ctx, "", method, params)
}

// SendToSession sends a command scoped to sessionID and waits for its response.
func (c *Connection) SendToSession(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	return c.dispatcher.send(ctx, sessionID, method, params)
}

// Subscribe registers a handler for connection-global notifications of method.
// Multiple handlers can be registered for the same method; they run in order.
func (c *Connection) Subscribe(method string, h Handler) {
	c.router.root.Add(method, h)
}

// Mount returns the routing-table entry for sessionID, creating it if needed.
// Notifications carrying sessionID are delivered only to this table.
func (c *Connection) Mount(sessionID string) *HandlerTable {
	return c.router.mount(sessionID)
}

// Unmount removes sessionID from the routing table.
// Later notifications for it are ignored.
func (c *Connection) Unmount(sessionID string) {
	c.router.unmount(sessionID)
}

// Pending returns the number of commands awaiting a response.
func (c *Connection) Pending() int {
	return c.dispatcher.pendingCount()
}

// Done is closed once the connection has stopped reading.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that ended the connection, if any.
// It is nil after a deliberate Close.
func (c *Connection) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// Close closes the transport and waits for the read loop to exit.
// Pending commands fail with ErrConnectionLost. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close()
	})
	<-c.done
	return err
}
