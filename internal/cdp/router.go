package cdp

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// router is the only reader of the transport. Every ordering guarantee the
// engine offers derives from it consuming frames strictly one at a time.
type router struct {
	transport  *Transport
	dispatcher *dispatcher
	root       *HandlerTable
	metrics    *Metrics
	log        zerolog.Logger

	mu     sync.RWMutex
	routes map[string]*HandlerTable // keyed by sessionID
}

func newRouter(t *Transport, d *dispatcher, metrics *Metrics, log zerolog.Logger) *router {
	return &router{
		transport:  t,
		dispatcher: d,
		root:       NewHandlerTable(),
		metrics:    metrics,
		log:        log,
		routes:     make(map[string]*HandlerTable),
	}
}

// mount returns the handler table for sessionID, creating it if needed.
func (r *router) mount(sessionID string) *HandlerTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.routes[sessionID]
	if !ok {
		t = NewHandlerTable()
		r.routes[sessionID] = t
	}
	return t
}

func (r *router) unmount(sessionID string) {
	r.mu.Lock()
	delete(r.routes, sessionID)
	r.mu.Unlock()
}

func (r *router) table(sessionID string) (*HandlerTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.routes[sessionID]
	return t, ok
}

// run reads until the transport fails and returns the cause.
func (r *router) run() error {
	ctx := context.Background()
	for {
		data, err := r.transport.Receive(ctx)
		if err != nil {
			return err
		}
		r.route(data)
	}
}

// route classifies one frame and forwards it.
func (r *router) route(data []byte) {
	resp, evt, err := parseMessage(data)
	if err != nil {
		r.log.Warn().Err(err).Msg("skipping malformed message")
		return
	}

	if resp != nil {
		if !r.dispatcher.resolve(resp) {
			r.metrics.recordDropped()
			r.log.Debug().Uint64("id", resp.ID).Msg("dropping response with no pending command")
		}
		return
	}

	r.deliver(*evt)
}

func (r *router) deliver(evt Event) {
	table := r.root
	scope := "root"
	if evt.SessionID != "" {
		t, ok := r.table(evt.SessionID)
		if !ok {
			// Session not (or no longer) tracked.
			r.log.Trace().Str("method", evt.Method).Str("session", evt.SessionID).Msg("notification for unknown session")
			return
		}
		table = t
		scope = "session"
	}
	r.metrics.recordNotification(scope)

	for _, err := range table.Dispatch(evt) {
		r.metrics.recordHandlerFailure(evt.Method)
		r.log.Error().Err(err).Str("method", evt.Method).Str("session", evt.SessionID).Msg("notification handler failed")
	}
}

// isClosedByUs reports whether err came from a deliberate Close.
func isClosedByUs(t *Transport, err error) bool {
	return t.Closed() && errors.Is(err, ErrTransportClosed)
}
