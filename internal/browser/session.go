package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pjaol/cdp-browser/internal/cdp"
	"github.com/rs/zerolog"
)

// Kind classifies the target behind a session.
type Kind int

const (
	KindOther Kind = iota
	KindPage
	KindWorker
)

// kindOf maps a CDP targetInfo.type onto a Kind.
func kindOf(targetType string) Kind {
	switch targetType {
	case "page":
		return KindPage
	case "worker", "service_worker", "shared_worker":
		return KindWorker
	default:
		return KindOther
	}
}

func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindWorker:
		return "worker"
	default:
		return "other"
	}
}

// Lifecycle is the attach state of a session.
type Lifecycle int

const (
	Attaching Lifecycle = iota
	Attached
	Detaching
	Detached
)

func (l Lifecycle) String() string {
	switch l {
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detaching:
		return "detaching"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// NavState tracks page navigation. Crashed is kept separately on the session.
type NavState int

const (
	Idle NavState = iota
	Navigating
	Loaded
)

func (n NavState) String() string {
	switch n {
	case Idle:
		return "idle"
	case Navigating:
		return "navigating"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// commander is the session's non-owning handle on the connection.
type commander interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	SendToSession(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error)
	Done() <-chan struct{}
	Err() error
}

// Session is an attached target.
type Session struct {
	id       string
	targetID string
	kind     Kind
	conn     commander
	handlers *cdp.HandlerTable
	log      zerolog.Logger

	// release drops the session from its registry. Set by the registry.
	release func()

	mu        sync.Mutex
	lifecycle Lifecycle
	navState  NavState
	navigated bool // main frame committed (or same-document navigation)
	loaded    bool // load event (or same-document navigation)
	crashed   bool
	frameID   string            // main frame
	children  map[string]string // child targetID -> child sessionID
	changed   chan struct{}     // closed and replaced on every state change

	closeOnce sync.Once
}

func newSession(id, targetID string, kind Kind, conn commander, handlers *cdp.HandlerTable, log zerolog.Logger) *Session {
	s := &Session{
		id:        id,
		targetID:  targetID,
		kind:      kind,
		conn:      conn,
		handlers:  handlers,
		log:       log.With().Str("session", id).Str("target", targetID).Logger(),
		lifecycle: Attached,
		children:  make(map[string]string),
		changed:   make(chan struct{}),
	}
	s.installHandlers()
	return s
}

// ID returns the CDP sessionId.
func (s *Session) ID() string { return s.id }

// TargetID returns the id of the attached target.
func (s *Session) TargetID() string { return s.targetID }

// Kind returns the target kind.
func (s *Session) Kind() Kind { return s.kind }

// FrameID returns the id of the main frame, or "" before it is known.
func (s *Session) FrameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameID
}

// Lifecycle returns the current attach state.
func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// NavState returns the current navigation state.
func (s *Session) NavState() NavState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navState
}

// Crashed reports whether the target has crashed. The flag never clears.
func (s *Session) Crashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// Children returns a copy of the child targetID to sessionID map.
func (s *Session) Children() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.children))
	for k, v := range s.children {
		out[k] = v
	}
	return out
}

// On registers h for notifications of method on this session.
func (s *Session) On(method string, h cdp.Handler) {
	s.handlers.Add(method, h)
}

// HandlerCount returns the number of handlers installed on the session,
// including the session's own bookkeeping handlers.
func (s *Session) HandlerCount() int {
	return s.handlers.Len()
}

// Send sends a command on this session.
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !s.usable() {
		return nil, fmt.Errorf("%s: %w", method, cdp.ErrSessionClosed)
	}
	return s.conn.SendToSession(ctx, s.id, method, params)
}

func (s *Session) usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle == Attached || s.lifecycle == Attaching
}

// update applies fn under the lock and wakes every waiter.
func (s *Session) update(fn func()) {
	s.mu.Lock()
	fn()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *Session) markCrashed() {
	s.update(func() { s.crashed = true })
	s.log.Warn().Msg("target crashed")
}

// markDetached moves the session to Detached and drops its handlers.
// It is used for remote detach and connection loss.
func (s *Session) markDetached() {
	s.update(func() { s.lifecycle = Detached })
	s.handlers.Clear()
}

func (s *Session) addChild(targetID, sessionID string) {
	s.update(func() { s.children[targetID] = sessionID })
}

func (s *Session) removeChild(targetID, sessionID string) {
	s.update(func() {
		if targetID != "" {
			delete(s.children, targetID)
			return
		}
		for t, sid := range s.children {
			if sid == sessionID {
				delete(s.children, t)
			}
		}
	})
}

// installHandlers wires the notifications that drive session state.
func (s *Session) installHandlers() {
	s.handlers.Add("Page.frameNavigated", cdp.HandlerFunc(s.onFrameNavigated))
	s.handlers.Add("Page.navigatedWithinDocument", cdp.HandlerFunc(s.onNavigatedWithinDocument))
	s.handlers.Add("Page.loadEventFired", cdp.HandlerFunc(s.onLoadEventFired))
	s.handlers.Add("Inspector.targetCrashed", cdp.HandlerFunc(func(cdp.Event) error {
		s.markCrashed()
		return nil
	}))
	s.handlers.Add("Target.attachedToTarget", cdp.HandlerFunc(s.onChildAttached))
	s.handlers.Add("Target.detachedFromTarget", cdp.HandlerFunc(s.onChildDetached))
}

func (s *Session) onChildAttached(evt cdp.Event) error {
	var params attachedParams
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return fmt.Errorf("parse attachedToTarget: %w", err)
	}
	s.addChild(params.TargetInfo.TargetID, params.SessionID)
	s.log.Debug().Str("child", params.TargetInfo.TargetID).Str("type", params.TargetInfo.Type).Msg("child attached")
	return nil
}

func (s *Session) onChildDetached(evt cdp.Event) error {
	var params detachedParams
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return fmt.Errorf("parse detachedFromTarget: %w", err)
	}
	s.removeChild(params.TargetID, params.SessionID)
	return nil
}

// Close tears the session down: child targets first, then the session,
// then the target itself. Failed steps are logged and skipped. Local state
// is always cleared. Calling Close again does nothing.
func (s *Session) Close(ctx context.Context) error {
	s.shutdown(ctx, true)
	return nil
}

// Detach ends the session but leaves the target and its children open.
// After Detach, Close only clears local state.
func (s *Session) Detach(ctx context.Context) error {
	s.shutdown(ctx, false)
	return nil
}

func (s *Session) shutdown(ctx context.Context, closeTargets bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasAttached := s.lifecycle != Detached
		if wasAttached {
			s.lifecycle = Detaching
		}
		children := make([]string, 0, len(s.children))
		for t := range s.children {
			children = append(children, t)
		}
		s.mu.Unlock()

		if wasAttached {
			if closeTargets {
				for _, child := range children {
					s.teardownStep(ctx, "Target.closeTarget", map[string]string{"targetId": child})
				}
			}
			s.teardownStep(ctx, "Target.detachFromTarget", map[string]string{"sessionId": s.id})
			if closeTargets {
				s.teardownStep(ctx, "Target.closeTarget", map[string]string{"targetId": s.targetID})
			}
		}

		s.update(func() {
			s.lifecycle = Detached
			s.children = make(map[string]string)
		})
		s.handlers.Clear()
		if s.release != nil {
			s.release()
		}
		s.log.Debug().Bool("closed_target", closeTargets).Msg("session closed")
	})
}

func (s *Session) teardownStep(ctx context.Context, method string, params any) {
	if _, err := s.conn.Send(ctx, method, params); err != nil {
		s.log.Warn().Err(err).Str("method", method).Msg("close step failed")
	}
}
