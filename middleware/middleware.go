// Package middleware wraps the client's send path. A middleware sees the
// request body on the way out and the response (or error) on the way back,
// without touching framing, ids, or the connection.
package middleware

import (
	"context"

	"github.com/Mstrodl/devcaders/message"
)

// SendFunc is the client's send path: one request in, its matched response or
// an error out.
type SendFunc func(ctx context.Context, body message.RequestBody) (message.ResponseBody, error)

// Middleware wraps a SendFunc with extra behavior.
type Middleware func(next SendFunc) SendFunc

// Chain composes middlewares into one. Chain(A, B, C)(send) runs A outermost:
// A.before → B.before → C.before → send → C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next SendFunc) SendFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
