package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Mstrodl/devcaders/message"
	"github.com/Mstrodl/devcaders/protocol"
)

// newPipeConn wires a Conn to the client half of an in-memory pipe and hands
// the test the daemon half.
func newPipeConn(t *testing.T, opts Options) (*Conn, net.Conn) {
	t.Helper()
	clientSide, daemonSide := net.Pipe()
	c := NewConn(clientSide, opts)
	t.Cleanup(func() {
		c.Close()
		daemonSide.Close()
	})
	return c, daemonSide
}

func readRequest(t *testing.T, scanner *bufio.Scanner) message.Request {
	t.Helper()
	if !scanner.Scan() {
		t.Fatalf("daemon side: stream ended early: %v", scanner.Err())
	}
	var req message.Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		t.Fatalf("daemon side: bad request frame: %v", err)
	}
	return req
}

func writeResponse(t *testing.T, w net.Conn, id uint32, body message.ResponseBody) {
	t.Helper()
	frame, err := json.Marshal(message.Response{RequestID: id, ResponseBody: body})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(append(frame, '\n')); err != nil {
		t.Fatalf("daemon side: write response: %v", err)
	}
}

func TestSendReceive(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})

	go func() {
		scanner := bufio.NewScanner(daemon)
		req := readRequest(t, scanner)
		writeResponse(t, daemon, req.RequestID, message.ResponseBody{Type: message.TypePong})
	}()

	resp, err := c.Send(context.Background(), message.Ping())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != message.TypePong {
		t.Fatalf("expect pong, got %s", resp)
	}
	if n := c.pending.len(); n != 0 {
		t.Fatalf("delivered request still pending, table size %d", n)
	}
}

// Responses arriving in a different order than the requests were issued must
// still unblock exactly the caller whose id they carry.
func TestOutOfOrderResponses(t *testing.T) {
	const n = 8
	c, daemon := newPipeConn(t, Options{})

	// Collect all n requests first, then answer them in reverse order.
	go func() {
		scanner := bufio.NewScanner(daemon)
		reqs := make([]message.Request, 0, n)
		for i := 0; i < n; i++ {
			reqs = append(reqs, readRequest(t, scanner))
		}
		for i := n - 1; i >= 0; i-- {
			writeResponse(t, daemon, reqs[i].RequestID, message.ResponseBody{
				Type: message.TypeNfcUser,
				User: map[string]any{"uid": reqs[i].AssociationID},
			})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assoc := string(rune('a' + i))
			resp, err := c.Send(context.Background(), message.GetNfcUser(assoc))
			if err != nil {
				t.Errorf("send %q: %v", assoc, err)
				return
			}
			if got := resp.User["uid"]; got != assoc {
				t.Errorf("caller %q got someone else's response: %v", assoc, got)
			}
		}(i)
	}
	wg.Wait()
}

// Ids must stay unique across counter wraparound, skipping ids still pending.
func TestIDAllocationWraparound(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})

	// Seed the counter at the top of the id space and occupy the two ids it
	// would otherwise hand out next. Safe before the first Send: the write
	// loop only touches seq after dequeueing a call.
	c.seq = math.MaxUint32
	c.pending.insert(math.MaxUint32, make(chan Result, 1))
	c.pending.insert(0, make(chan Result, 1))

	go func() {
		scanner := bufio.NewScanner(daemon)
		req := readRequest(t, scanner)
		if req.RequestID != 1 {
			t.Errorf("expect wrapped id 1 skipping busy ids, got %d", req.RequestID)
		}
		writeResponse(t, daemon, req.RequestID, message.ResponseBody{Type: message.TypePong})
	}()

	if _, err := c.Send(context.Background(), message.Ping()); err != nil {
		t.Fatal(err)
	}
}

func TestErrorPayload(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})

	go func() {
		scanner := bufio.NewScanner(daemon)
		req := readRequest(t, scanner)
		writeResponse(t, daemon, req.RequestID, message.ResponseBody{
			Type: message.TypeError, Message: "boom",
		})
	}()

	_, err := c.Send(context.Background(), message.Ping())
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expect ResponseError, got %v", err)
	}
	if respErr.Message != "boom" {
		t.Fatalf("expect message boom, got %q", respErr.Message)
	}
}

// A response for an id we never sent is dropped without disturbing the
// request that is actually in flight.
func TestUnmatchedResponseTolerated(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})

	go func() {
		scanner := bufio.NewScanner(daemon)
		req := readRequest(t, scanner)
		writeResponse(t, daemon, 9999, message.ResponseBody{Type: message.TypePong})
		writeResponse(t, daemon, req.RequestID, message.ResponseBody{Type: message.TypePong})
	}()

	resp, err := c.Send(context.Background(), message.Ping())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != message.TypePong {
		t.Fatalf("expect pong, got %s", resp)
	}
}

// An unparseable line must not kill the read loop or block later frames.
func TestMalformedLineTolerated(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})

	go func() {
		scanner := bufio.NewScanner(daemon)
		req := readRequest(t, scanner)
		if _, err := daemon.Write([]byte("this is not json\n")); err != nil {
			t.Error(err)
		}
		writeResponse(t, daemon, req.RequestID, message.ResponseBody{Type: message.TypePong})
	}()

	resp, err := c.Send(context.Background(), message.Ping())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != message.TypePong {
		t.Fatalf("expect pong, got %s", resp)
	}
}

// With the queue full and the write loop wedged, a new Send blocks instead of
// erroring or dropping — and completes once the daemon starts reading.
func TestBackpressureBlocks(t *testing.T) {
	c, daemon := newPipeConn(t, Options{QueueSize: 1})
	ctx := context.Background()

	results := make(chan error, 3)
	sendOne := func() {
		_, err := c.Send(ctx, message.Ping())
		results <- err
	}

	// First send wedges the write loop inside the pipe write (nobody is
	// reading), the second fills the queue, the third must block enqueueing.
	go sendOne()
	time.Sleep(20 * time.Millisecond)
	go sendOne()
	time.Sleep(20 * time.Millisecond)
	go sendOne()

	select {
	case err := <-results:
		t.Fatalf("send completed while queue saturated: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Unwedge: service all three requests.
	go func() {
		scanner := bufio.NewScanner(daemon)
		for i := 0; i < 3; i++ {
			req := readRequest(t, scanner)
			writeResponse(t, daemon, req.RequestID, message.ResponseBody{Type: message.TypePong})
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("send %d: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("sends did not complete after queue drained")
		}
	}
}

// slowWriteConn delivers the frame normally, then stalls before returning,
// letting the response race the write loop's bookkeeping.
type slowWriteConn struct {
	net.Conn
	delay time.Duration
}

func (c *slowWriteConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	time.Sleep(c.delay)
	return n, err
}

// A response that arrives before Write has even returned must still reach
// its caller: the pending entry exists before the frame hits the wire.
func TestResponseRacesWriteReturn(t *testing.T) {
	clientSide, daemonSide := net.Pipe()
	c := NewConn(&slowWriteConn{Conn: clientSide, delay: 150 * time.Millisecond}, Options{})
	t.Cleanup(func() {
		c.Close()
		daemonSide.Close()
	})

	go func() {
		scanner := bufio.NewScanner(daemonSide)
		req := readRequest(t, scanner)
		writeResponse(t, daemonSide, req.RequestID, message.ResponseBody{Type: message.TypePong})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.Send(ctx, message.Ping())
	if err != nil {
		t.Fatalf("response raced the writer and was lost: %v", err)
	}
	if resp.Type != message.TypePong {
		t.Fatalf("expect pong, got %s", resp)
	}
}

// An inbound line that exceeds the frame cap is unrecoverable: the reader
// will not buffer past the cap and cannot skip to the next delimiter, so the
// connection dies and pending requests fail instead of hanging.
func TestOversizedLineKillsConnection(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), message.Ping())
		errs <- err
	}()

	scanner := bufio.NewScanner(daemon)
	readRequest(t, scanner)
	go func() {
		huge := bytes.Repeat([]byte("x"), protocol.MaxFrameSize+2)
		huge[len(huge)-1] = '\n'
		// The reader gives up partway through; the leftover write unblocks
		// when the cleanup closes the pipe.
		_, _ = daemon.Write(huge)
	}()

	var connErr *ConnectionError
	select {
	case err := <-errs:
		if !errors.As(err, &connErr) || connErr.Op != "read" {
			t.Fatalf("expect read ConnectionError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request hung after oversized line")
	}
}

// brokenWriteConn fails every write while leaving the read half intact, so
// write-failure behavior can be pinned without racing the read loop's own
// teardown.
type brokenWriteConn struct {
	net.Conn
}

func (c *brokenWriteConn) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

// A failed write surfaces as a connection error to exactly the caller being
// written, and the connection accepts nothing afterwards.
func TestWriteFailurePropagation(t *testing.T) {
	clientSide, daemonSide := net.Pipe()
	c := NewConn(&brokenWriteConn{Conn: clientSide}, Options{})
	t.Cleanup(func() {
		c.Close()
		daemonSide.Close()
	})

	_, err := c.Send(context.Background(), message.Ping())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expect ConnectionError, got %v", err)
	}
	if connErr.Op != "write" {
		t.Fatalf("expect write failure, got %s", connErr.Op)
	}

	<-c.Done()
	if _, err := c.Send(context.Background(), message.Ping()); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expect ErrChannelClosed after dead connection, got %v", err)
	}
}

// When the inbound stream ends, requests still pending fail out with a
// connection error instead of hanging forever.
func TestReaderExitFailsPending(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), message.Ping())
		errs <- err
	}()

	// Accept the request but never answer it; then drop the connection.
	scanner := bufio.NewScanner(daemon)
	readRequest(t, scanner)
	daemon.Close()

	var connErr *ConnectionError
	select {
	case err := <-errs:
		if !errors.As(err, &connErr) {
			t.Fatalf("expect ConnectionError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request hung after reader exit")
	}
}

// A caller that abandons its wait leaves the connection fully usable, even
// when its response shows up later.
func TestAbandonedCallerTolerated(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})
	scanner := bufio.NewScanner(daemon)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, message.Ping())
		errs <- err
	}()

	// Let the request hit the wire, then abandon it before answering.
	abandoned := readRequest(t, scanner)
	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}

	// Late response for the abandoned caller: completes into the buffered
	// handle, nobody listens, nothing breaks.
	writeResponse(t, daemon, abandoned.RequestID, message.ResponseBody{Type: message.TypePong})

	go func() {
		req := readRequest(t, scanner)
		writeResponse(t, daemon, req.RequestID, message.ResponseBody{Type: message.TypePong})
	}()
	resp, err := c.Send(context.Background(), message.Ping())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != message.TypePong {
		t.Fatalf("expect pong after abandoned caller, got %s", resp)
	}
}

func TestCloseFailsQueuedAndPending(t *testing.T) {
	c, daemon := newPipeConn(t, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), message.Ping())
		errs <- err
	}()

	scanner := bufio.NewScanner(daemon)
	readRequest(t, scanner)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	err := <-errs
	var connErr *ConnectionError
	if !errors.As(err, &connErr) && !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expect connection teardown error, got %v", err)
	}

	if _, err := c.Send(context.Background(), message.Ping()); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expect ErrChannelClosed after Close, got %v", err)
	}

	// Idempotent.
	_ = c.Close()
}
