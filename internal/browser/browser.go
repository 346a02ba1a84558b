// Package browser manages page sessions on top of a CDP connection: attach
// and detach bookkeeping, navigation waits, crash propagation, and teardown.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pjaol/cdp-browser/internal/cdp"
	"github.com/rs/zerolog"
)

// CloseTimeout bounds the remote teardown performed by Browser.Close.
const CloseTimeout = 5 * time.Second

// Browser is a process-level handle: one connection and the sessions
// attached over it.
type Browser struct {
	conn     *cdp.Connection
	registry *Registry
	log      zerolog.Logger

	closeOnce sync.Once
	watchDone chan struct{}
}

// Option configures Connect and New.
type Option func(*options)

type options struct {
	log      zerolog.Logger
	connOpts []cdp.Option
}

// WithLogger sets the logger for the browser and its connection.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
		o.connOpts = append(o.connOpts, cdp.WithLogger(log))
	}
}

// WithConnectionOptions passes options through to cdp.Dial.
func WithConnectionOptions(opts ...cdp.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// Connect dials a browser-level websocket endpoint.
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Browser, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := cdp.Dial(ctx, endpoint, o.connOpts...)
	if err != nil {
		return nil, err
	}
	return newBrowser(conn, o.log), nil
}

// New wraps an existing connection. The browser takes ownership of conn.
func New(conn *cdp.Connection, opts ...Option) *Browser {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return newBrowser(conn, o.log)
}

func newBrowser(conn *cdp.Connection, log zerolog.Logger) *Browser {
	b := &Browser{
		conn:      conn,
		registry:  NewRegistry(conn, log),
		log:       log,
		watchDone: make(chan struct{}),
	}
	go b.watch()
	return b
}

// watch detaches every session once the connection ends. Sessions are never
// re-attached; callers connect a fresh Browser instead.
func (b *Browser) watch() {
	defer close(b.watchDone)
	<-b.conn.Done()
	if err := b.conn.Err(); err != nil {
		b.log.Warn().Err(err).Int("sessions", b.registry.Count()).Msg("connection lost, detaching sessions")
	}
	b.registry.detachAll()
}

// Conn returns the underlying connection.
func (b *Browser) Conn() *cdp.Connection { return b.conn }

// Registry returns the session registry.
func (b *Browser) Registry() *Registry { return b.registry }

// Version is the result of Browser.getVersion.
type Version struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

// Version queries the browser version over the connection.
func (b *Browser) Version(ctx context.Context) (*Version, error) {
	raw, err := b.conn.Send(ctx, "Browser.getVersion", nil)
	if err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse version: %w", err)
	}
	return &v, nil
}

// Targets lists every target the browser knows about.
func (b *Browser) Targets(ctx context.Context) ([]TargetInfo, error) {
	raw, err := b.conn.Send(ctx, "Target.getTargets", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		TargetInfos []TargetInfo `json:"targetInfos"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	return resp.TargetInfos, nil
}

// NewPage opens a new tab, attaches to it, and navigates to url unless url
// is empty or about:blank.
func (b *Browser) NewPage(ctx context.Context, url string) (*Session, error) {
	raw, err := b.conn.Send(ctx, "Target.createTarget", map[string]string{"url": "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("parse createTarget: %w", err)
	}

	s, err := b.Attach(ctx, created.TargetID)
	if err != nil {
		return nil, err
	}

	if url != "" && url != "about:blank" {
		if err := s.Navigate(ctx, url); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Attach attaches to an existing page target with a flat session and enables
// the domains the session depends on. A target that already has an attached
// session returns that session.
func (b *Browser) Attach(ctx context.Context, targetID string) (*Session, error) {
	if s := b.registry.byTargetID(targetID); s != nil && s.Lifecycle() == Attached {
		return s, nil
	}

	attached, cancel := b.registry.expect(targetID)
	defer cancel()

	raw, err := b.conn.Send(ctx, "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach to %s: %w", targetID, err)
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse attachToTarget: %w", err)
	}

	// The browser sends attachedToTarget before the command response, and the
	// router handles frames in order, so the session normally exists already.
	// The waiter can also hold an older session still being torn down.
	var s *Session
	select {
	case w := <-attached:
		if w.ID() == resp.SessionID {
			s = w
		}
	default:
	}
	if s == nil {
		s = b.registry.add(resp.SessionID, targetID, KindPage)
	}

	if err := b.enableDomains(ctx, s); err != nil {
		return s, err
	}
	if err := b.syncNavigation(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// enableDomains turns on the notifications session state is derived from.
func (b *Browser) enableDomains(ctx context.Context, s *Session) error {
	steps := []struct {
		method string
		params any
	}{
		{"Page.enable", nil},
		{"Runtime.enable", nil},
		{"Page.setLifecycleEventsEnabled", map[string]bool{"enabled": true}},
		{"Target.setAutoAttach", map[string]bool{
			"autoAttach":             true,
			"waitForDebuggerOnStart": false,
			"flatten":                true,
		}},
	}
	for _, step := range steps {
		if _, err := s.Send(ctx, step.method, step.params); err != nil {
			return fmt.Errorf("enable %s: %w", step.method, err)
		}
	}
	return nil
}

// syncNavigation seeds the navigation flags of a fresh session from the
// page itself, since a tab that finished loading before the attach will
// never fire another load event.
func (b *Browser) syncNavigation(ctx context.Context, s *Session) error {
	raw, err := s.Send(ctx, "Page.getFrameTree", nil)
	if err != nil {
		return fmt.Errorf("get frame tree: %w", err)
	}
	var tree struct {
		FrameTree struct {
			Frame struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"frame"`
		} `json:"frameTree"`
	}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("parse frame tree: %w", err)
	}

	// The document can be replaced mid-evaluate; the flags then stay unset
	// and the next load event sets them.
	var readyState string
	if value, err := s.Evaluate(ctx, "document.readyState"); err != nil {
		s.log.Debug().Err(err).Msg("read document.readyState")
	} else if value != nil {
		_ = json.Unmarshal(value, &readyState)
	}

	s.update(func() {
		s.frameID = tree.FrameTree.Frame.ID
		if readyState == "complete" {
			s.navigated = true
			s.loaded = true
			s.navState = Loaded
		}
	})
	s.log.Debug().Str("frame", tree.FrameTree.Frame.ID).Str("url", tree.FrameTree.Frame.URL).Str("readyState", readyState).Msg("session synced")
	return nil
}

// Pages returns the attached page sessions in attach order.
func (b *Browser) Pages() []*Session {
	var pages []*Session
	for _, s := range b.registry.Sessions() {
		if s.Kind() == KindPage {
			pages = append(pages, s)
		}
	}
	return pages
}

// Close closes every session best-effort, then the connection.
// Safe to call more than once.
func (b *Browser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
		defer cancel()

		for _, s := range b.registry.Sessions() {
			_ = s.Close(ctx)
		}
		err = b.conn.Close()
		<-b.watchDone
	})
	return err
}
