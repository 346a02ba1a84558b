package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pjaol/cdp-browser/internal/browser"
	"github.com/pjaol/cdp-browser/internal/cdp"
	"github.com/pjaol/cdp-browser/internal/config"
	"github.com/pjaol/cdp-browser/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// loadConfig reads the config file and environment, then applies flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if Endpoint != "" {
		cfg.Endpoint = Endpoint
	}
	if MetricsAddr != "" {
		cfg.Metrics.Addr = MetricsAddr
	}
	if Debug {
		cfg.Log.Level = "debug"
	}
	if NoColor || os.Getenv("NO_COLOR") != "" {
		cfg.Log.NoColor = true
	}
	return cfg, nil
}

// client is one command's connection to the browser plus the resources
// that live as long as it does.
type client struct {
	cfg     config.Config
	log     zerolog.Logger
	browser *browser.Browser
	metrics *http.Server
}

// connect resolves the endpoint and dials the browser.
func connect(ctx context.Context) (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(os.Stderr, cfg.Log)

	c := &client{cfg: cfg, log: log}
	connOpts := []cdp.Option{
		cdp.WithRetry(cfg.Connect),
		cdp.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}

	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return nil, fmt.Errorf("metrics listen %s: %w", cfg.Metrics.Addr, err)
		}
		reg := prometheus.NewRegistry()
		c.metrics = serveMetrics(ln, reg, log)
		connOpts = append(connOpts, cdp.WithMetrics(cdp.NewMetrics(reg)))
	}

	endpoint, err := browser.ResolveEndpoint(ctx, cfg.Endpoint)
	if err != nil {
		c.stopMetrics()
		return nil, err
	}
	debugf(log, "connecting to %s", endpoint)

	b, err := browser.Connect(ctx, endpoint,
		browser.WithLogger(log),
		browser.WithConnectionOptions(connOpts...),
	)
	if err != nil {
		c.stopMetrics()
		return nil, err
	}
	c.browser = b
	return c, nil
}

// Close closes the browser connection and the metrics server.
func (c *client) Close() error {
	err := c.browser.Close()
	c.stopMetrics()
	return err
}

func (c *client) stopMetrics() {
	if c.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.metrics.Shutdown(ctx)
}

// serveMetrics exposes reg at /metrics on ln until the server is shut down.
func serveMetrics(ln net.Listener, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return srv
}

// page returns a session for targetID, or for the first page target when
// targetID is empty. A new tab is opened when the browser has no pages.
func (c *client) page(ctx context.Context, targetID string) (*browser.Session, error) {
	if targetID == "" {
		targets, err := c.browser.Targets(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			if t.Type == "page" {
				targetID = t.TargetID
				break
			}
		}
	}
	if targetID == "" {
		debugf(c.log, "no page targets, opening a new tab")
		return c.browser.NewPage(ctx, "")
	}
	return c.browser.Attach(ctx, targetID)
}

// release detaches from s without closing the tab.
func (c *client) release(s *browser.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), browser.CloseTimeout)
	defer cancel()
	_ = s.Detach(ctx)
}

func debugf(log zerolog.Logger, format string, args ...any) {
	log.Debug().Msgf(format, args...)
}
