package client

import (
	"log/slog"

	"github.com/Mstrodl/devcaders/config"
	"github.com/Mstrodl/devcaders/metrics"
	"github.com/Mstrodl/devcaders/middleware"
)

// Option customizes a Client at construction time.
type Option func(*Client)

// WithConfig replaces the whole configuration. Combine with config.Load to
// get file plus environment layering.
func WithConfig(cfg config.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithSocketPath overrides the daemon socket path.
func WithSocketPath(path string) Option {
	return func(c *Client) { c.cfg.SocketPath = path }
}

// WithLogger sets the logger used by the client and its connection loops.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.ClientMetrics) Option {
	return func(c *Client) { c.met = m }
}

// WithMiddleware appends middlewares to the send path, outermost first.
// Config-derived timeout and rate-limit middlewares run outside these.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.mws = append(c.mws, mws...) }
}
