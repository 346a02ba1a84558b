package browser

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pjaol/cdp-browser/internal/cdp"
	"github.com/rs/zerolog"
)

// TargetInfo describes a target as reported by the Target domain.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
	OpenerID string `json:"openerId,omitempty"`
}

type attachedParams struct {
	SessionID  string     `json:"sessionId"`
	TargetInfo TargetInfo `json:"targetInfo"`
}

type detachedParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
}

// router is the slice of the connection the registry needs.
type router interface {
	commander
	Subscribe(method string, h cdp.Handler)
	Mount(sessionID string) *cdp.HandlerTable
	Unmount(sessionID string)
}

// Registry tracks attached sessions by sessionId and targetId.
// Page targets become sessions; other kinds are recorded as children of the
// page that opened them.
type Registry struct {
	conn router
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by sessionID
	byTarget map[string]string   // targetID -> sessionID
	order    []string            // session IDs in attachment order (newest last)
	waiters  map[string][]chan *Session
}

// NewRegistry creates a registry bound to conn and subscribes its target
// handlers on the connection's root table.
func NewRegistry(conn router, log zerolog.Logger) *Registry {
	r := &Registry{
		conn:     conn,
		log:      log,
		sessions: make(map[string]*Session),
		byTarget: make(map[string]string),
		waiters:  make(map[string][]chan *Session),
	}
	r.subscribe()
	return r
}

// subscribe installs the root handlers that drive the registry.
func (r *Registry) subscribe() {
	r.conn.Subscribe("Target.attachedToTarget", cdp.HandlerFunc(r.handleAttached))
	r.conn.Subscribe("Target.detachedFromTarget", cdp.HandlerFunc(r.handleDetached))
	r.conn.Subscribe("Target.targetCrashed", cdp.HandlerFunc(r.handleCrashed))
	r.conn.Subscribe("Target.targetDestroyed", cdp.HandlerFunc(r.handleDestroyed))
}

// expect returns a channel that receives the session for targetID once its
// attach notification has been processed. It must be called before the
// command that causes the attach is sent.
func (r *Registry) expect(targetID string) (<-chan *Session, func()) {
	ch := make(chan *Session, 1)

	r.mu.Lock()
	if sid, ok := r.byTarget[targetID]; ok {
		ch <- r.sessions[sid]
		r.mu.Unlock()
		return ch, func() {}
	}
	r.waiters[targetID] = append(r.waiters[targetID], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.waiters[targetID]
		for i, w := range list {
			if w == ch {
				r.waiters[targetID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.waiters[targetID]) == 0 {
			delete(r.waiters, targetID)
		}
	}
	return ch, cancel
}

func (r *Registry) handleAttached(evt cdp.Event) error {
	var params attachedParams
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return fmt.Errorf("parse attachedToTarget: %w", err)
	}

	info := params.TargetInfo
	kind := kindOf(info.Type)
	if kind != KindPage {
		// Non-page targets hang off the page that opened them.
		if parent := r.byTargetID(info.OpenerID); parent != nil {
			parent.addChild(info.TargetID, params.SessionID)
		} else {
			r.log.Debug().Str("target", info.TargetID).Str("type", info.Type).Msg("ignoring unowned non-page target")
		}
		return nil
	}

	r.add(params.SessionID, info.TargetID, kind)
	r.log.Debug().Str("session", params.SessionID).Str("target", info.TargetID).Str("url", info.URL).Msg("target attached")
	return nil
}

// add creates and mounts a session unless one already exists.
func (r *Registry) add(sessionID, targetID string, kind Kind) *Session {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return s
	}

	s := newSession(sessionID, targetID, kind, r.conn, r.conn.Mount(sessionID), r.log)
	s.release = func() { r.remove(sessionID) }
	r.sessions[sessionID] = s
	r.byTarget[targetID] = sessionID
	r.order = append(r.order, sessionID)

	waiters := r.waiters[targetID]
	delete(r.waiters, targetID)
	r.mu.Unlock()

	for _, w := range waiters {
		w <- s
	}
	return s
}

func (r *Registry) handleDetached(evt cdp.Event) error {
	var params detachedParams
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return fmt.Errorf("parse detachedFromTarget: %w", err)
	}

	s := r.Get(params.SessionID)
	if s == nil {
		// Already gone, or a child we only track through its parent.
		for _, p := range r.Sessions() {
			p.removeChild(params.TargetID, params.SessionID)
		}
		return nil
	}

	s.markDetached()
	r.remove(params.SessionID)
	r.log.Debug().Str("session", params.SessionID).Msg("target detached")
	return nil
}

func (r *Registry) handleCrashed(evt cdp.Event) error {
	var params struct {
		TargetID string `json:"targetId"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return fmt.Errorf("parse targetCrashed: %w", err)
	}
	if s := r.byTargetID(params.TargetID); s != nil {
		s.markCrashed()
	}
	return nil
}

func (r *Registry) handleDestroyed(evt cdp.Event) error {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		return fmt.Errorf("parse targetDestroyed: %w", err)
	}
	if s := r.byTargetID(params.TargetID); s != nil {
		s.markDetached()
		r.remove(s.ID())
	}
	return nil
}

// remove drops a session and unmounts its routing entry. Removing an absent
// session is a no-op.
func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	if r.byTarget[s.targetID] == sessionID {
		delete(r.byTarget, s.targetID)
	}
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.conn.Unmount(sessionID)
}

// detachAll marks every session Detached and empties the registry.
// Used once the connection is gone.
func (r *Registry) detachAll() {
	for _, s := range r.Sessions() {
		s.markDetached()
		r.remove(s.ID())
	}
}

// Get returns a session by ID, or nil if not found.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

func (r *Registry) byTargetID(targetID string) *Session {
	if targetID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byTarget[targetID]
	if !ok {
		return nil
	}
	return r.sessions[sid]
}

// Sessions returns all sessions in attachment order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
