package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnection_Send_CorrelatesResponseByID(t *testing.T) {
	t.Parallel()

	conn := newEchoMockConn(`{"frameId":"ABC123"}`)
	client := NewConnection(conn)
	defer client.Close()

	result, err := client.Send(context.Background(), "Page.navigate", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"frameId":"ABC123"}` {
		t.Errorf("expected result %s, got %s", `{"frameId":"ABC123"}`, string(result))
	}

	reqs := conn.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 written message, got %d", len(reqs))
	}
	if reqs[0].ID != 1 {
		t.Errorf("expected request ID 1, got %d", reqs[0].ID)
	}
	if reqs[0].Method != "Page.navigate" {
		t.Errorf("expected method Page.navigate, got %s", reqs[0].Method)
	}
	if reqs[0].SessionID != "" {
		t.Errorf("expected no sessionId, got %q", reqs[0].SessionID)
	}
}

func TestConnection_SendToSession_SetsSessionID(t *testing.T) {
	t.Parallel()

	conn := newEchoMockConn(`{}`)
	client := NewConnection(conn)
	defer client.Close()

	if _, err := client.SendToSession(context.Background(), "S1", "Page.enable", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := conn.requests()[0].SessionID; got != "S1" {
		t.Errorf("expected sessionId S1, got %q", got)
	}
}

func TestConnection_Send_IDsStrictlyIncrease(t *testing.T) {
	t.Parallel()

	conn := newEchoMockConn(`{}`)
	client := NewConnection(conn)
	defer client.Close()

	for i := 0; i < 5; i++ {
		if _, err := client.Send(context.Background(), "Test.method", nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	var last uint64
	for _, req := range conn.requests() {
		if req.ID <= last {
			t.Fatalf("id %d not greater than previous %d", req.ID, last)
		}
		last = req.ID
	}
}

func TestConnection_Send_ReturnsCommandError(t *testing.T) {
	t.Parallel()

	conn := newErrorMockConn(-32000, "Target closed")
	client := NewConnection(conn)
	defer client.Close()

	_, err := client.Send(context.Background(), "Page.navigate", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var cdpErr *Error
	if !errors.As(err, &cdpErr) {
		t.Fatalf("expected CDP error, got %T: %v", err, err)
	}
	if cdpErr.Code != -32000 {
		t.Errorf("expected error code -32000, got %d", cdpErr.Code)
	}
	if cdpErr.Message != "Target closed" {
		t.Errorf("expected message 'Target closed', got %s", cdpErr.Message)
	}
}

func TestConnection_Send_TimeoutWaitingForResponse(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewConnection(conn)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, "Page.navigate", nil)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if n := client.Pending(); n != 0 {
		t.Errorf("expected pending entry to be removed, %d remain", n)
	}
}

func TestConnection_LateResponseIsDroppedNotMisdelivered(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	metrics := NewMetrics(nil)
	client := NewConnection(conn, WithMetrics(metrics))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := client.Send(ctx, "Slow.method", nil)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}
	staleID := conn.requests()[0].ID

	done := make(chan struct{})
	var got json.RawMessage
	var sendErr error
	go func() {
		defer close(done)
		got, sendErr = client.Send(context.Background(), "Fast.method", nil)
	}()

	reqs := conn.waitForRequests(t, 2)
	conn.queueJSON(Response{ID: staleID, Result: json.RawMessage(`{"stale":true}`)})
	conn.queueJSON(Response{ID: reqs[1].ID, Result: json.RawMessage(`{"fresh":true}`)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for second send")
	}
	if sendErr != nil {
		t.Fatalf("unexpected error: %v", sendErr)
	}
	if string(got) != `{"fresh":true}` {
		t.Errorf("expected fresh result, got %s", got)
	}
	if n := testutil.ToFloat64(metrics.droppedResponses); n != 1 {
		t.Errorf("expected 1 dropped response, got %v", n)
	}
}

func TestConnection_UnknownResponseIDIsSkipped(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	conn.onWrite = func(req Request) {
		conn.queueJSON(Response{ID: 9999, Result: json.RawMessage(`{}`)})
		conn.queueJSON(Response{ID: req.ID, Result: json.RawMessage(`{"success":true}`)})
	}
	client := NewConnection(conn)
	defer client.Close()

	result, err := client.Send(context.Background(), "Test.method", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"success":true}` {
		t.Errorf("expected success result, got %s", string(result))
	}
}

func TestConnection_OutOfOrderResponses(t *testing.T) {
	t.Parallel()

	// Hold responses until both requests are in, then answer in reverse order.
	conn := newMockConn()
	var mu sync.Mutex
	var held []Request
	conn.onWrite = func(req Request) {
		mu.Lock()
		held = append(held, req)
		batch := held
		mu.Unlock()
		if len(batch) < 2 {
			return
		}
		for i := len(batch) - 1; i >= 0; i-- {
			value := fmt.Sprintf(`{"result":{"type":"number","value":2},"echo":%d}`, batch[i].ID)
			conn.queueJSON(Response{ID: batch[i].ID, Result: json.RawMessage(value)})
		}
	}
	client := NewConnection(conn)
	defer client.Close()

	type outcome struct {
		raw json.RawMessage
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			raw, err := client.Send(context.Background(), "Runtime.evaluate", map[string]any{"expression": "1+1"})
			results <- outcome{raw, err}
		}()
	}

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		var res outcome
		select {
		case res = <-results:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for evaluate")
		}
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		var body struct {
			Result struct {
				Value int `json:"value"`
			} `json:"result"`
			Echo uint64 `json:"echo"`
		}
		if err := json.Unmarshal(res.raw, &body); err != nil {
			t.Fatal(err)
		}
		if body.Result.Value != 2 {
			t.Errorf("expected value 2, got %d", body.Result.Value)
		}
		if seen[body.Echo] {
			t.Errorf("response %d delivered twice", body.Echo)
		}
		seen[body.Echo] = true
	}
}

func TestConnection_ConcurrentSends(t *testing.T) {
	t.Parallel()

	const numRequests = 50

	conn := newMockConn()
	conn.onWrite = func(req Request) {
		conn.queueJSON(Response{ID: req.ID, Result: json.RawMessage(fmt.Sprintf(`{"id":%d}`, req.ID))})
	}
	client := NewConnection(conn)
	defer client.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, numRequests)
	var resolved atomic.Int32

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := client.Send(context.Background(), "Test.method", nil)
			if err != nil {
				errCh <- err
				return
			}
			resolved.Add(1)
			var body struct {
				ID uint64 `json:"id"`
			}
			if err := json.Unmarshal(raw, &body); err != nil || body.ID == 0 {
				errCh <- fmt.Errorf("bad body %s", raw)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent send error: %v", err)
	}
	if n := resolved.Load(); n != numRequests {
		t.Errorf("expected %d resolutions, got %d", numRequests, n)
	}
	if n := client.Pending(); n != 0 {
		t.Errorf("expected no pending commands, got %d", n)
	}
}

func TestConnection_Subscribe_DispatchesToHandler(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewConnection(conn)
	defer client.Close()

	received := make(chan Event, 1)
	client.Subscribe("Page.loadEventFired", HandlerFunc(func(e Event) error {
		received <- e
		return nil
	}))
	conn.queue(eventJSON("Page.loadEventFired", "", map[string]any{"timestamp": 123.456}))

	select {
	case e := <-received:
		if e.Method != "Page.loadEventFired" {
			t.Errorf("expected method Page.loadEventFired, got %s", e.Method)
		}
		if string(e.Params) != `{"timestamp":123.456}` {
			t.Errorf("unexpected params %s", e.Params)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestConnection_HandlersObserveNotificationOrder(t *testing.T) {
	t.Parallel()

	const k = 100

	conn := newMockConn()
	client := NewConnection(conn)
	defer client.Close()

	var mu sync.Mutex
	var first, second []int
	done := make(chan struct{})
	record := func(dst *[]int) HandlerFunc {
		return func(e Event) error {
			var p struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(e.Params, &p); err != nil {
				return err
			}
			mu.Lock()
			*dst = append(*dst, p.N)
			mu.Unlock()
			return nil
		}
	}
	client.Subscribe("Test.tick", record(&first))
	client.Subscribe("Test.tick", HandlerFunc(func(e Event) error {
		if err := record(&second)(e); err != nil {
			return err
		}
		mu.Lock()
		n := len(second)
		mu.Unlock()
		if n == k {
			close(done)
		}
		return nil
	}))

	for i := 1; i <= k; i++ {
		conn.queue(eventJSON("Test.tick", "", map[string]int{"n": i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notifications")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < k; i++ {
		if first[i] != i+1 || second[i] != i+1 {
			t.Fatalf("out of order at %d: first=%d second=%d", i, first[i], second[i])
		}
	}
}

func TestConnection_HandlerFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	metrics := NewMetrics(nil)
	client := NewConnection(conn, WithMetrics(metrics))
	defer client.Close()

	var order []string
	var mu sync.Mutex
	add := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	client.Subscribe("Test.event", HandlerFunc(func(Event) error {
		add("panics")
		panic("boom")
	}))
	client.Subscribe("Test.event", HandlerFunc(func(Event) error {
		add("errors")
		return errors.New("handler failed")
	}))
	next := make(chan struct{})
	client.Subscribe("Test.event", HandlerFunc(func(Event) error {
		add("runs")
		return nil
	}))
	client.Subscribe("Test.next", HandlerFunc(func(Event) error {
		close(next)
		return nil
	}))

	conn.queue(eventJSON("Test.event", "", map[string]any{}))
	conn.queue(eventJSON("Test.next", "", map[string]any{}))

	select {
	case <-next:
	case <-time.After(time.Second):
		t.Fatal("router stopped after handler failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[panics errors runs]" {
		t.Errorf("unexpected handler order %v", order)
	}
	if n := testutil.ToFloat64(metrics.handlerFailures.WithLabelValues("Test.event")); n != 2 {
		t.Errorf("expected 2 handler failures, got %v", n)
	}

}

func TestConnection_RoutesBySessionID(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewConnection(conn)
	defer client.Close()

	rootCh := make(chan Event, 4)
	sessCh := make(chan Event, 4)
	client.Subscribe("Page.loadEventFired", HandlerFunc(func(e Event) error {
		rootCh <- e
		return nil
	}))
	table := client.Mount("S1")
	table.Add("Page.loadEventFired", HandlerFunc(func(e Event) error {
		sessCh <- e
		return nil
	}))

	sentinel := make(chan struct{})
	client.Subscribe("Test.sentinel", HandlerFunc(func(Event) error {
		close(sentinel)
		return nil
	}))

	conn.queue(eventJSON("Page.loadEventFired", "S1", map[string]any{}))
	conn.queue(eventJSON("Page.loadEventFired", "S-unknown", map[string]any{}))
	conn.queue(eventJSON("Unknown.method", "", map[string]any{}))
	conn.queue(eventJSON("Test.sentinel", "", map[string]any{}))

	select {
	case <-sentinel:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sentinel")
	}

	if len(sessCh) != 1 {
		t.Errorf("expected 1 session delivery, got %d", len(sessCh))
	}
	if len(rootCh) != 0 {
		t.Errorf("session-scoped notification leaked to root handlers")
	}

	client.Unmount("S1")
	after := make(chan struct{})
	client.Subscribe("Test.after", HandlerFunc(func(Event) error {
		close(after)
		return nil
	}))
	conn.queue(eventJSON("Page.loadEventFired", "S1", map[string]any{}))
	conn.queue(eventJSON("Test.after", "", map[string]any{}))

	select {
	case <-after:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for second sentinel")
	}
	if len(sessCh) != 1 {
		t.Errorf("unmounted session still received notifications")
	}
}

func TestConnection_ConnectionLostFailsAllPending(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewConnection(conn)
	defer client.Close()

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := client.Send(context.Background(), "Never.answered", nil)
			errCh <- err
		}()
	}
	conn.waitForRequests(t, 3)

	start := time.Now()
	conn.drop()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, ErrConnectionLost) {
				t.Errorf("expected ErrConnectionLost, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending command hung after connection loss")
		}
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("connection loss took %v to propagate", time.Since(start))
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after connection loss")
	}
	if client.Err() == nil {
		t.Error("expected Err to report the transport failure")
	}

	_, err := client.Send(context.Background(), "After.loss", nil)
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost after loss, got %v", err)
	}
}

func TestConnection_Send_ConnectionClosedMidRequest(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewConnection(conn)

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.Close()
	}()

	_, err := client.Send(context.Background(), "Page.navigate", nil)
	if err == nil {
		t.Fatal("expected error when connection closes, got nil")
	}
	if !errors.Is(err, ErrConnectionLost) && !errors.Is(err, ErrTransportClosed) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestConnection_Send_WriteFailure(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	conn.writeErr = errors.New("broken pipe")
	client := NewConnection(conn)
	defer client.Close()

	_, err := client.Send(context.Background(), "Page.enable", nil)
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %T: %v", err, err)
	}
	if n := client.Pending(); n != 0 {
		t.Errorf("expected failed write to leave no pending entry, got %d", n)
	}
}

func TestConnection_Close_CleansUpResources(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	client := NewConnection(conn)

	if err := client.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !conn.isClosed() {
		t.Error("expected connection to be closed")
	}
	if client.Err() != nil {
		t.Errorf("expected nil Err after deliberate close, got %v", client.Err())
	}

	if err := client.Close(); err != nil {
		t.Errorf("double close returned error: %v", err)
	}
}

func TestConnection_MalformedFrameIsSkipped(t *testing.T) {
	t.Parallel()

	conn := newMockConn([]byte(`{not json`), []byte(`{"params":{}}`))
	conn.onWrite = func(req Request) {
		conn.queueJSON(Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
	}
	client := NewConnection(conn)
	defer client.Close()

	if _, err := client.Send(context.Background(), "Test.method", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConnection_RateLimitHonoursContext(t *testing.T) {
	t.Parallel()

	conn := newEchoMockConn(`{}`)
	client := NewConnection(conn, WithRateLimit(1, 1))
	defer client.Close()

	if _, err := client.Send(context.Background(), "First.call", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.Send(ctx, "Second.call", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected rate-limited send to time out, got %v", err)
	}
	if got := len(conn.requests()); got != 1 {
		t.Errorf("expected limited send not to be written, got %d writes", got)
	}
}

func TestConnection_MetricsLabelOnlyAcknowledgedMethods(t *testing.T) {
	t.Parallel()

	conn := newMockConn()
	conn.onWrite = func(req Request) {
		switch req.Method {
		case "Page.enable":
			conn.queueJSON(Response{ID: req.ID, Result: json.RawMessage(`{}`)})
		case "Page.navigate":
			conn.queueJSON(Response{ID: req.ID, Error: &Error{Code: -32000, Message: "Cannot navigate to invalid URL"}})
		case "Bogus.typo":
			conn.queueJSON(Response{ID: req.ID, Error: &Error{Code: CodeMethodNotFound, Message: "'Bogus.typo' wasn't found"}})
		}
	}
	metrics := NewMetrics(nil)
	client := NewConnection(conn, WithMetrics(metrics))
	defer client.Close()

	ctx := context.Background()
	if _, err := client.Send(ctx, "Page.enable", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Send(ctx, "Page.navigate", map[string]string{"url": "::"}); err == nil {
		t.Fatal("expected command error")
	}
	if _, err := client.Send(ctx, "Bogus.typo", nil); err == nil {
		t.Fatal("expected method-not-found error")
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err := client.Send(timeoutCtx, "Anything.typed", nil)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// Counted before WithLabelValues below creates any series.
	if n := testutil.CollectAndCount(metrics.commands); n != 4 {
		t.Errorf("expected 4 command series, got %d", n)
	}
	want := map[[2]string]float64{
		{"Page.enable", "ok"}:               1,
		{"Page.navigate", "command_error"}:  1,
		{unknownMethod, "method_not_found"}: 1,
		{unknownMethod, "timeout"}:          1,
	}
	for labels, n := range want {
		if got := testutil.ToFloat64(metrics.commands.WithLabelValues(labels[0], labels[1])); got != n {
			t.Errorf("commands{method=%q,outcome=%q} = %v, want %v", labels[0], labels[1], got, n)
		}
	}
}
