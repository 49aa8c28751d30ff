package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Mstrodl/devcaders/message"
)

// RateLimit paces requests with a token bucket of r requests per second and
// the given burst. Callers over the limit wait for a token rather than being
// rejected — a game loop polling the daemon should slow down, not error.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, body message.RequestBody) (message.ResponseBody, error) {
			if err := limiter.Wait(ctx); err != nil {
				return message.ResponseBody{}, err
			}
			return next(ctx, body)
		}
	}
}
