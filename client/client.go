// Package client is the public entry point for talking to the devcade
// onboard daemon.
//
// A Client owns at most one connection, established lazily by the first send
// and shared by every call after it. Construct it explicitly, pass it to
// whatever needs it, and close it once when done:
//
//	c := client.New()
//	defer c.Close()
//	if err := c.Ping(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	tag, ok, err := c.NfcTag(ctx, message.PlayerOne)
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Mstrodl/devcaders/config"
	"github.com/Mstrodl/devcaders/message"
	"github.com/Mstrodl/devcaders/metrics"
	"github.com/Mstrodl/devcaders/middleware"
	"github.com/Mstrodl/devcaders/transport"
)

// Client sends requests to the onboard daemon over one shared multiplexed
// connection. All methods are safe for concurrent use.
type Client struct {
	cfg config.Config
	log *slog.Logger
	met *metrics.ClientMetrics
	mws []middleware.Middleware

	send middleware.SendFunc

	// group collapses concurrent first sends into a single dial. A failed
	// dial is returned to every waiter and retried on the next call; a
	// successful connection is cached for the client's lifetime.
	group  singleflight.Group
	mu     sync.Mutex
	conn   *transport.Conn
	closed bool
}

// New builds a Client. Defaults come from config.Default plus environment
// overrides (DEVCADE_ONBOARD_PATH wins over the fallback socket path);
// options are applied on top.
func New(opts ...Option) *Client {
	c := &Client{cfg: config.Default()}
	config.ApplyEnvOverrides(&c.cfg)
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	var mws []middleware.Middleware
	if c.cfg.RequestTimeout > 0 {
		mws = append(mws, middleware.Timeout(c.cfg.RequestTimeout))
	}
	if c.cfg.RateLimit > 0 {
		burst := c.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimit(c.cfg.RateLimit, burst))
	}
	mws = append(mws, c.mws...)
	c.send = middleware.Chain(mws...)(c.dispatch)
	return c
}

// Send issues one request and returns its matched response body. The three
// internal failure surfaces — outbound queue closed, completion handle
// abandoned by a dead loop, and an error payload from the daemon — come back
// as ErrChannelClosed, *ConnectionError, and *ResponseError respectively.
func (c *Client) Send(ctx context.Context, body message.RequestBody) (message.ResponseBody, error) {
	return c.send(ctx, body)
}

// Ping checks that the daemon is reachable and responding.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Send(ctx, message.Ping())
	if err != nil {
		return err
	}
	if resp.Type != message.TypePong {
		return &UnexpectedResponseError{Body: resp}
	}
	return nil
}

// NfcTag returns the association id of the tag on the given player's reader.
// ok is false when the reader is empty.
func (c *Client) NfcTag(ctx context.Context, player message.Player) (tag string, ok bool, err error) {
	resp, err := c.Send(ctx, message.GetNfcTag(player))
	if err != nil {
		return "", false, err
	}
	if resp.Type != message.TypeNfcTag {
		return "", false, &UnexpectedResponseError{Body: resp}
	}
	if resp.TagID == nil {
		return "", false, nil
	}
	return *resp.TagID, true, nil
}

// NfcUser resolves an NFC association id to the user's attribute record.
func (c *Client) NfcUser(ctx context.Context, associationID string) (map[string]any, error) {
	resp, err := c.Send(ctx, message.GetNfcUser(associationID))
	if err != nil {
		return nil, err
	}
	if resp.Type != message.TypeNfcUser {
		return nil, &UnexpectedResponseError{Body: resp}
	}
	return resp.User, nil
}

// Close shuts the client down. Queued requests fail with ErrChannelClosed,
// in-flight requests fail with a connection error, and subsequent sends fail
// with ErrClosed. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// dispatch is the innermost send path: ensure the connection exists, then
// hand the request to its outbound queue.
func (c *Client) dispatch(ctx context.Context, body message.RequestBody) (message.ResponseBody, error) {
	start := time.Now()
	conn, err := c.ensureConn(ctx)
	if err != nil {
		c.met.ObserveRequest(body.Type, statusOf(err), time.Since(start))
		return message.ResponseBody{}, err
	}
	resp, err := conn.Send(ctx, body)
	c.met.ObserveRequest(body.Type, statusOf(err), time.Since(start))
	return resp, err
}

// ensureConn returns the shared connection, dialing it on first use.
// Concurrent callers all wait on the same in-flight dial and share its
// outcome.
func (c *Client) ensureConn(ctx context.Context) (*transport.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if conn := c.conn; conn != nil {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("connect", func() (any, error) {
		c.mu.Lock()
		if conn := c.conn; conn != nil {
			c.mu.Unlock()
			return conn, nil
		}
		c.mu.Unlock()

		// The dial is bounded by its own timeout, not by the first
		// caller's context: waiters behind the single-flight should not
		// inherit one caller's cancellation.
		dialCtx := context.Background()
		var cancel context.CancelFunc = func() {}
		if c.cfg.DialTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(dialCtx, c.cfg.DialTimeout)
		}
		defer cancel()

		conn, err := transport.Dial(dialCtx, c.cfg.SocketPath, transport.Options{
			QueueSize: c.cfg.QueueSize,
			Logger:    c.log,
			Metrics:   c.met,
		})
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, ErrClosed
		}
		c.conn = conn
		c.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return v.(*transport.Conn), nil
}
