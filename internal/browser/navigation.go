package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pjaol/cdp-browser/internal/cdp"
)

// NavigationError reports a navigation the browser refused to perform,
// such as an unresolvable host.
type NavigationError struct {
	URL  string
	Text string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s: %s", e.URL, e.Text)
}

// Navigate loads url in the session's main frame and waits until the page has
// loaded or a same-document navigation has committed, whichever comes first.
// The navigation flags are reset before Page.navigate is sent, so a completed
// Navigate leaves both flags set.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if !s.usable() {
		return cdp.ErrSessionClosed
	}
	s.resetNavigation()

	result, err := s.sendWatched(ctx, "Page.navigate", map[string]string{"url": url})
	if err != nil {
		s.update(func() { s.navState = Idle })
		return err
	}

	var navResp struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(result, &navResp); err == nil && navResp.ErrorText != "" {
		s.update(func() { s.navState = Idle })
		return &NavigationError{URL: url, Text: navResp.ErrorText}
	}

	s.log.Debug().Str("url", url).Str("frame", navResp.FrameID).Msg("navigation started")
	return s.waitFor(ctx, "Page.navigate", s.loadedLocked)
}

// WaitForNavigation waits for the current navigation to finish. It returns
// immediately when the main frame has already committed and loaded, which
// includes the case of a navigation that finished before the call. To wait
// for a navigation some other action is about to trigger, use ExpectNavigation.
func (s *Session) WaitForNavigation(ctx context.Context) error {
	s.mu.Lock()
	done := s.navigated && s.loaded && !s.crashed
	s.mu.Unlock()
	if done {
		return nil
	}
	return s.waitFor(ctx, "WaitForNavigation", s.loadedLocked)
}

// ExpectNavigation resets the navigation flags and returns a function that
// waits for the next navigation to finish. Call it before triggering the
// navigation (a click, a form submit, a script) and call the returned function
// afterwards.
func (s *Session) ExpectNavigation() func(ctx context.Context) error {
	s.resetNavigation()
	return func(ctx context.Context) error {
		return s.waitFor(ctx, "WaitForNavigation", s.loadedLocked)
	}
}

// Reload reloads the page and waits for it to load again.
func (s *Session) Reload(ctx context.Context, ignoreCache bool) error {
	if !s.usable() {
		return cdp.ErrSessionClosed
	}
	wait := s.ExpectNavigation()
	if _, err := s.sendWatched(ctx, "Page.reload", map[string]bool{"ignoreCache": ignoreCache}); err != nil {
		s.update(func() { s.navState = Idle })
		return err
	}
	return wait(ctx)
}

func (s *Session) resetNavigation() {
	s.update(func() {
		s.navigated = false
		s.loaded = false
		s.navState = Navigating
	})
}

// loadedLocked must be called with s.mu held.
func (s *Session) loadedLocked() bool {
	return s.loaded
}

// waitFor blocks until cond holds, the target crashes, the session is torn
// down, the connection is lost, or ctx is done.
func (s *Session) waitFor(ctx context.Context, op string, cond func() bool) error {
	for {
		s.mu.Lock()
		crashed := s.crashed
		lifecycle := s.lifecycle
		ok := cond()
		changed := s.changed
		s.mu.Unlock()

		var lost bool
		select {
		case <-s.conn.Done():
			lost = s.conn.Err() != nil
		default:
		}

		// A lost connection also detaches the session; report the cause.
		// A deliberate close reports the session as closed.
		switch {
		case crashed:
			return &cdp.CrashError{TargetID: s.targetID, SessionID: s.id}
		case ok:
			return nil
		case lost:
			return &cdp.ConnectionLostError{Err: s.conn.Err()}
		case lifecycle == Detached:
			return fmt.Errorf("%s: %w", op, cdp.ErrSessionClosed)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return &cdp.TimeoutError{Op: op, Err: ctx.Err()}
		case <-s.conn.Done():
			return &cdp.ConnectionLostError{Err: s.conn.Err()}
		}
	}
}

// sendWatched sends a command but gives up as soon as the target crashes or
// the session is torn down, since a crashed target may never answer.
func (s *Session) sendWatched(ctx context.Context, method string, params any) (json.RawMessage, error) {
	watchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		never := func() bool { return false }
		if err := s.waitFor(watchCtx, method, never); errors.Is(err, cdp.ErrTargetCrashed) || errors.Is(err, cdp.ErrSessionClosed) {
			cancel(err)
		}
	}()

	result, err := s.Send(watchCtx, method, params)
	if err != nil {
		if cause := context.Cause(watchCtx); cause != nil && ctx.Err() == nil && !errors.Is(cause, context.Canceled) {
			return nil, cause
		}
		return nil, err
	}
	return result, nil
}

func (s *Session) onFrameNavigated(evt cdp.Event) error {
	var params struct {
		Frame struct {
			ID       string `json:"id"`
			ParentID string `json:"parentId"`
			URL      string `json:"url"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return fmt.Errorf("parse frameNavigated: %w", err)
	}

	// Only the main frame (no parent) drives session state.
	if params.Frame.ParentID != "" {
		return nil
	}
	s.update(func() {
		s.frameID = params.Frame.ID
		s.navigated = true
		if !s.loaded {
			s.navState = Navigating
		}
	})
	s.log.Debug().Str("url", params.Frame.URL).Msg("main frame navigated")
	return nil
}

// onNavigatedWithinDocument treats a same-document navigation as fully
// complete. Client-side routers never fire a load event.
func (s *Session) onNavigatedWithinDocument(evt cdp.Event) error {
	s.update(func() {
		s.navigated = true
		s.loaded = true
		s.navState = Loaded
	})
	return nil
}

func (s *Session) onLoadEventFired(evt cdp.Event) error {
	s.update(func() {
		s.loaded = true
		s.navState = Loaded
	})
	return nil
}

// EvaluateError reports a script that threw.
type EvaluateError struct {
	Text string
}

func (e *EvaluateError) Error() string {
	return "JavaScript error: " + e.Text
}

// Evaluate runs expression in the page and returns its value serialized as
// JSON. Promises are awaited. An undefined result is returned as nil.
func (s *Session) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	result, err := s.Send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}

	var evalResp struct {
		Result struct {
			Type        string          `json:"type"`
			Value       json.RawMessage `json:"value"`
			Description string          `json:"description"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &evalResp); err != nil {
		return nil, fmt.Errorf("parse evaluate response: %w", err)
	}

	if d := evalResp.ExceptionDetails; d != nil {
		text := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			text = d.Exception.Description
		}
		return nil, &EvaluateError{Text: text}
	}

	if evalResp.Result.Type == "undefined" {
		return nil, nil
	}
	return evalResp.Result.Value, nil
}
