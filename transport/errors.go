package transport

import (
	"errors"
	"fmt"
)

// ErrChannelClosed reports that the connection's internal plumbing was torn
// down before a result could be produced: the outbound queue is no longer
// serviced, or the completion handle can no longer be resolved. From the
// caller's perspective it means the same thing as a connection error.
var ErrChannelClosed = errors.New("devcaders: channel closed")

// ConnectionError wraps an I/O failure on the underlying socket. Op is the
// phase that failed: "dial", "write", or "read".
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("devcaders: connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ResponseError is the daemon explicitly failing one request. It carries the
// remote-supplied message and affects no other in-flight request.
type ResponseError struct {
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("devcaders: response error: %s", e.Message)
}
