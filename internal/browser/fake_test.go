package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/pjaol/cdp-browser/internal/cdp"
	"github.com/stretchr/testify/require"
)

type wireRequest struct {
	ID        uint64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

func (r wireRequest) param(key string) any {
	var m map[string]any
	_ = json.Unmarshal(r.Params, &m)
	return m[key]
}

// responder returns the frames the fake emits for one request, in order.
type responder func(req wireRequest) [][]byte

// fakeChrome is a scripted remote end implementing cdp.Conn.
// Unscripted methods are answered with an empty result.
type fakeChrome struct {
	mu         sync.Mutex
	inbox      chan []byte
	sent       []wireRequest
	responders map[string]responder

	closeOnce sync.Once
	closed    chan struct{}
	dropOnce  sync.Once
	dropped   chan struct{}
}

func newFakeChrome() *fakeChrome {
	f := &fakeChrome{
		inbox:      make(chan []byte, 1024),
		responders: make(map[string]responder),
		closed:     make(chan struct{}),
		dropped:    make(chan struct{}),
	}
	f.on("Target.createTarget", func(req wireRequest) [][]byte {
		return [][]byte{reply(req, `{"targetId":"T1"}`)}
	})
	f.on("Target.attachToTarget", func(req wireRequest) [][]byte {
		targetID, _ := req.param("targetId").(string)
		sessionID := "S-" + targetID
		return [][]byte{
			event("Target.attachedToTarget", "", map[string]any{
				"sessionId":  sessionID,
				"targetInfo": map[string]any{"targetId": targetID, "type": "page", "url": "about:blank"},
			}),
			reply(req, fmt.Sprintf(`{"sessionId":%q}`, sessionID)),
		}
	})
	return f
}

func (f *fakeChrome) on(method string, r responder) {
	f.mu.Lock()
	f.responders[method] = r
	f.mu.Unlock()
}

// emit pushes an unsolicited frame.
func (f *fakeChrome) emit(frame []byte) {
	f.inbox <- frame
}

func (f *fakeChrome) drop() {
	f.dropOnce.Do(func() { close(f.dropped) })
}

func (f *fakeChrome) requests() []wireRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireRequest(nil), f.sent...)
}

func (f *fakeChrome) methods() []string {
	var out []string
	for _, r := range f.requests() {
		out = append(out, r.Method)
	}
	return out
}

func (f *fakeChrome) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.inbox:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	case <-f.dropped:
		return 0, nil, errors.New("unexpected EOF")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeChrome) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	var req wireRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	f.mu.Lock()
	select {
	case <-f.closed:
		f.mu.Unlock()
		return errors.New("use of closed connection")
	default:
	}
	f.sent = append(f.sent, req)
	r, ok := f.responders[req.Method]
	f.mu.Unlock()

	frames := [][]byte{reply(req, `{}`)}
	if ok {
		frames = r(req)
	}
	for _, frame := range frames {
		f.inbox <- frame
	}
	return nil
}

func (f *fakeChrome) Close(code websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func reply(req wireRequest, result string) []byte {
	return []byte(fmt.Sprintf(`{"id":%d,"result":%s}`, req.ID, result))
}

func replyError(req wireRequest, code int, message string) []byte {
	return []byte(fmt.Sprintf(`{"id":%d,"error":{"code":%d,"message":%q}}`, req.ID, code, message))
}

func event(method, sessionID string, params any) []byte {
	raw, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	data, err := json.Marshal(cdp.Event{Method: method, Params: raw, SessionID: sessionID})
	if err != nil {
		panic(err)
	}
	return data
}

// newTestBrowser wires a Browser to a fakeChrome and closes it with the test.
func newTestBrowser(t *testing.T) (*Browser, *fakeChrome) {
	t.Helper()
	fake := newFakeChrome()
	b := New(cdp.NewConnection(fake))
	t.Cleanup(func() { _ = b.Close() })
	return b, fake
}

// newTestPage opens page T1 with session S-T1.
func newTestPage(t *testing.T) (*Browser, *fakeChrome, *Session) {
	t.Helper()
	b, fake := newTestBrowser(t)
	s, err := b.NewPage(context.Background(), "")
	require.NoError(t, err)
	return b, fake, s
}
