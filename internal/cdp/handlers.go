package cdp

import (
	"fmt"
	"sync"
)

// Handler receives notifications for one method.
// Handlers run on the connection's reader goroutine, so they must not block;
// anything slow belongs on its own goroutine.
type Handler interface {
	HandleEvent(evt Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(evt Event) error

// HandleEvent calls f(evt).
func (f HandlerFunc) HandleEvent(evt Event) error { return f(evt) }

// HandlerTable holds ordered handler lists keyed by method name.
// Insertion order is execution order.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewHandlerTable creates an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[string][]Handler)}
}

// Add appends h to the list for method.
func (t *HandlerTable) Add(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = append(t.handlers[method], h)
}

// Len returns the total number of registered handlers.
func (t *HandlerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, hs := range t.handlers {
		n += len(hs)
	}
	return n
}

// Clear removes every handler.
func (t *HandlerTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = make(map[string][]Handler)
}

// Dispatch runs the handlers for evt.Method sequentially and returns the
// failures it isolated, one per failing handler. A panicking handler is
// recovered and reported the same way as one returning an error.
func (t *HandlerTable) Dispatch(evt Event) []error {
	t.mu.RLock()
	handlers := t.handlers[evt.Method]
	t.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := invoke(h, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func invoke(h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleEvent(evt)
}
