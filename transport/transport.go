// Package transport turns a single duplex stream to the onboard daemon into
// a multiplexed request/response channel.
//
// Any number of goroutines call Send concurrently; two background loops are
// the only code touching the raw connection, so writes never interleave and
// reads never tear:
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──→ bounded queue ──→ writeLoop ──→ unix socket
//	goroutine-3 ──Send──┘        (FIFO)         (allocates ids, frames,
//	                                             registers in pending)
//
//	readLoop: ←── line(id=2) → pending[2] chan ← result → goroutine-2 wakes up
//
// Responses may arrive in any order; the pending table, not arrival order,
// decides which caller unblocks. A write failure kills the connection: the
// failing caller gets the I/O error and everything queued behind it gets
// ErrChannelClosed. A read failure fails out every request still pending, so
// no caller is ever left hanging on a dead stream. An inbound line longer
// than protocol.MaxFrameSize counts as a read failure: the reader cannot
// resynchronize past a line it refuses to buffer, so the connection dies
// rather than risk misframing everything after it.
package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/Mstrodl/devcaders/message"
	"github.com/Mstrodl/devcaders/metrics"
	"github.com/Mstrodl/devcaders/protocol"
)

// DefaultQueueSize bounds the outbound queue. A wedged write loop stalls new
// callers at this depth instead of growing memory without limit.
const DefaultQueueSize = 100

// Result is what a completion handle resolves to: exactly one of Body or Err.
type Result struct {
	Body message.ResponseBody
	Err  error
}

// call pairs a request body with the one-shot handle its caller awaits.
// The channel is buffered so completing an abandoned handle never blocks.
type call struct {
	body message.RequestBody
	done chan Result
}

// Options configures a Conn.
type Options struct {
	// QueueSize overrides DefaultQueueSize when positive.
	QueueSize int
	// Logger receives reader-side diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics is optional; nil disables collection.
	Metrics *metrics.ClientMetrics
}

// Conn is one multiplexed connection to the daemon. Create it with Dial (or
// NewConn over an existing stream), share it freely, close it once.
type Conn struct {
	raw     net.Conn
	sendq   chan *call
	pending *pendingTable
	log     *slog.Logger
	met     *metrics.ClientMetrics

	// ctx spans the connection's lifetime; cancel marks it dead. The write
	// loop stops servicing the queue once the context is done.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq uint32 // next request id candidate, touched only by writeLoop
}

// Dial connects to the daemon socket at path and starts the two loops.
// ctx bounds only the dial itself, not the connection's lifetime.
func Dial(ctx context.Context, path string, opts Options) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return NewConn(raw, opts), nil
}

// NewConn wraps an already-established duplex stream. Tests use it with
// net.Pipe; Dial uses it with a Unix socket.
func NewConn(raw net.Conn, opts Options) *Conn {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		raw:     raw,
		sendq:   make(chan *call, size),
		pending: newPendingTable(),
		log:     logger,
		met:     opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send issues one request and blocks until its matched response arrives, the
// connection dies, or ctx is done. It either returns the exact body
// correlated to this request or an error explaining why no body arrived —
// never another caller's response.
//
// Cancelling ctx abandons the request locally; if it was already written it
// will still reach the daemon and its eventual response is discarded.
func (c *Conn) Send(ctx context.Context, body message.RequestBody) (message.ResponseBody, error) {
	req := &call{body: body, done: make(chan Result, 1)}

	select {
	case c.sendq <- req:
	case <-c.ctx.Done():
		return message.ResponseBody{}, ErrChannelClosed
	case <-ctx.Done():
		return message.ResponseBody{}, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.Body, res.Err
	case <-ctx.Done():
		return message.ResponseBody{}, ctx.Err()
	case <-c.ctx.Done():
		// The connection died while we waited. A response that raced the
		// teardown may already be buffered on the handle; prefer it.
		select {
		case res := <-req.done:
			return res.Body, res.Err
		default:
			return message.ResponseBody{}, ErrChannelClosed
		}
	}
}

// Done is closed once the connection is dead and Send can no longer succeed.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close tears the connection down: both loops exit, queued calls fail with
// ErrChannelClosed, pending calls fail with a connection error. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.cancel()
	err := c.raw.Close()
	c.wg.Wait()
	return err
}

// writeLoop is the single consumer of the outbound queue and the only writer
// on the socket. It allocates ids, registers each request in the pending
// table, then frames and writes it.
func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			return
		case req := <-c.sendq:
			id := c.nextID()
			frame, err := protocol.EncodeRequest(id, req.body)
			if err != nil {
				// Nothing hit the wire, so the connection is still fine.
				req.done <- Result{Err: err}
				continue
			}
			// Register before writing: the response can be read and
			// dispatched before Write even returns, and the read loop must
			// find the entry when it does.
			c.pending.insert(id, req.done)
			c.met.InFlightInc()
			if _, err := c.raw.Write(frame); err != nil {
				// The stream is unusable after a failed write: fail this
				// caller with the I/O error and stop servicing the queue.
				// The read loop may have beaten us to the entry; it owns
				// the handle then and the caller already has a result.
				if done, ok := c.pending.remove(id); ok {
					done <- Result{Err: &ConnectionError{Op: "write", Err: err}}
					c.met.InFlightDec()
				}
				c.log.Error("write failed, connection is dead",
					"request_id", id, "body", req.body.String(), "err", err)
				c.cancel()
				c.drain()
				return
			}
		}
	}
}

// nextID returns the next request id: a wrapping counter that skips any value
// still present in the pending table, so no two in-flight requests ever share
// an id. Only writeLoop allocates and inserts, so the probe cannot race.
func (c *Conn) nextID() uint32 {
	id := c.seq
	for c.pending.has(id) {
		id++
	}
	c.seq = id + 1
	return id
}

// drain fails everything still sitting in the queue after the connection has
// died. New senders observe the dead context and stop enqueueing; a send that
// raced past cancellation resolves through its own c.ctx.Done branch.
func (c *Conn) drain() {
	for {
		select {
		case req := <-c.sendq:
			req.done <- Result{Err: ErrChannelClosed}
		default:
			return
		}
	}
}

// readLoop is the only reader on the socket. It reads one line at a time,
// routes each response through the pending table, and on stream end fails
// out whatever is still pending.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	scanner := bufio.NewScanner(c.raw)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize)
	for scanner.Scan() {
		resp, err := protocol.ParseResponse(scanner.Bytes())
		if err != nil {
			// One corrupt line does not desynchronize the stream; the
			// newline delimiter resynchronizes at the next frame.
			c.log.Error("dropping undecodable line", "err", err)
			continue
		}
		done, ok := c.pending.remove(resp.RequestID)
		if !ok {
			c.log.Error("response for request id we never sent",
				"request_id", resp.RequestID, "body", resp.ResponseBody.String())
			continue
		}
		c.met.InFlightDec()
		if resp.IsError() {
			done <- Result{Err: &ResponseError{Message: resp.Message}}
		} else {
			done <- Result{Body: resp.ResponseBody}
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	// The inbound stream is gone, so nothing can ever complete the
	// remaining entries. Fail them instead of leaving callers hanging.
	if n := c.pending.failAll(&ConnectionError{Op: "read", Err: err}); n > 0 {
		c.log.Warn("read loop exited with requests still pending",
			"count", n, "err", err)
		c.met.InFlightSub(n)
	}
	c.cancel()
}
