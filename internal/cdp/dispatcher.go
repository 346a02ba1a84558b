package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// result is what a pending command resolves to.
type result struct {
	raw json.RawMessage
	err error
}

// pendingCommand lives from registration until it is resolved, cancelled or
// failed by connection loss. Its slot has capacity one and is written at most once.
type pendingCommand struct {
	id        uint64
	method    string
	sessionID string
	createdAt time.Time
	slot      chan result
}

// dispatcher assigns ids and tracks pending waiters.
// The id counter and pending map are only touched under mu.
type dispatcher struct {
	transport *Transport
	limiter   *rate.Limiter
	metrics   *Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCommand
	lostErr error // non-nil once the connection is gone
}

func newDispatcher(t *Transport, limiter *rate.Limiter, metrics *Metrics, log zerolog.Logger) *dispatcher {
	return &dispatcher{
		transport: t,
		limiter:   limiter,
		metrics:   metrics,
		log:       log,
		pending:   make(map[uint64]*pendingCommand),
	}
}

// send performs one correlated exchange.
func (d *dispatcher) send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, &TimeoutError{Op: method, Err: contextErr(ctx, err)}
		}
	}

	// Register before writing so a fast response always finds its waiter.
	pc, err := d.register(sessionID, method)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(Request{
		ID:        pc.id,
		Method:    method,
		Params:    params,
		SessionID: sessionID,
	})
	if err != nil {
		d.cancel(pc.id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := d.transport.Send(ctx, data); err != nil {
		d.cancel(pc.id)
		d.metrics.recordCommand(method, "send_error", time.Since(pc.createdAt))
		return nil, err
	}

	select {
	case res := <-pc.slot:
		d.metrics.recordCommand(method, outcome(res.err), time.Since(pc.createdAt))
		return res.raw, res.err
	case <-ctx.Done():
		// A late response for this id is dropped, never misdelivered.
		d.cancel(pc.id)
		d.metrics.recordCommand(method, "timeout", time.Since(pc.createdAt))
		return nil, &TimeoutError{Op: method, Err: ctx.Err()}
	}
}

func (d *dispatcher) register(sessionID, method string) (*pendingCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lostErr != nil {
		return nil, d.lostErr
	}

	d.nextID++
	pc := &pendingCommand{
		id:        d.nextID,
		method:    method,
		sessionID: sessionID,
		createdAt: time.Now(),
		slot:      make(chan result, 1),
	}
	d.pending[pc.id] = pc
	d.metrics.setPending(len(d.pending))
	return pc, nil
}

func (d *dispatcher) cancel(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.metrics.setPending(len(d.pending))
	d.mu.Unlock()
}

// resolve delivers resp to its waiter. It reports false for unmatched ids.
func (d *dispatcher) resolve(resp *Response) bool {
	d.mu.Lock()
	pc, ok := d.pending[resp.ID]
	if ok {
		delete(d.pending, resp.ID)
		d.metrics.setPending(len(d.pending))
	}
	d.mu.Unlock()

	if !ok {
		return false
	}

	if resp.Error != nil {
		pc.slot <- result{err: resp.Error}
	} else {
		raw := resp.Result
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		pc.slot <- result{raw: raw}
	}
	return true
}

// failAll fails every pending waiter with a connection-lost error and refuses
// further registrations. It returns the number of waiters failed.
func (d *dispatcher) failAll(cause error) int {
	lost := &ConnectionLostError{Err: cause}

	d.mu.Lock()
	if d.lostErr == nil {
		d.lostErr = lost
	}
	pending := d.pending
	d.pending = make(map[uint64]*pendingCommand)
	d.metrics.setPending(0)
	d.mu.Unlock()

	for _, pc := range pending {
		pc.slot <- result{err: lost}
	}
	return len(pending)
}

// pendingCount returns the number of outstanding commands.
func (d *dispatcher) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func outcome(err error) string {
	var cdpErr *Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cdpErr) && cdpErr.Code == CodeMethodNotFound:
		return "method_not_found"
	case errors.As(err, &cdpErr):
		return "command_error"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	default:
		return "error"
	}
}

// contextErr prefers the context's own error; rate.Limiter reports a
// would-exceed-deadline condition before the deadline actually passes.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
