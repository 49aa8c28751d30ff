package middleware

import (
	"context"
	"time"

	"github.com/Mstrodl/devcaders/message"
)

// Timeout bounds every request to d. The deadline abandons the caller's wait;
// a request already on the wire still reaches the daemon, its late response
// is dropped by the read loop.
func Timeout(d time.Duration) Middleware {
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, body message.RequestBody) (message.ResponseBody, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, body)
		}
	}
}
