package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mstrodl/devcaders/message"
	"github.com/Mstrodl/devcaders/transport"
)

// ErrClosed reports a send on a client that has been shut down.
var ErrClosed = errors.New("devcaders: client closed")

// Re-exported transport errors so callers only import this package.
var ErrChannelClosed = transport.ErrChannelClosed

type (
	// ConnectionError wraps an I/O failure on the daemon socket.
	ConnectionError = transport.ConnectionError
	// ResponseError is the daemon explicitly failing one request.
	ResponseError = transport.ResponseError
)

// UnexpectedResponseError reports a successful response of a different
// variant than the request called for. The caller decides whether that is
// fatal or just discardable.
type UnexpectedResponseError struct {
	Body message.ResponseBody
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("devcaders: unexpected response: %s", e.Body)
}

// statusOf maps an error from the send path to its metrics label.
func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrChannelClosed):
		return "channel_closed"
	case errors.Is(err, ErrClosed):
		return "client_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return "response_error"
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return "connection_error"
	}
	return "error"
}
