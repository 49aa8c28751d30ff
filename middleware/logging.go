package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mstrodl/devcaders/message"
)

// Logging logs every request with its body type, duration, and outcome.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next SendFunc) SendFunc {
		return func(ctx context.Context, body message.RequestBody) (message.ResponseBody, error) {
			start := time.Now()
			resp, err := next(ctx, body)
			elapsed := time.Since(start)
			if err != nil {
				logger.Error("onboard request failed",
					"body", body.String(), "duration", elapsed, "err", err)
			} else {
				logger.Debug("onboard request",
					"body", body.String(), "duration", elapsed, "response", resp.String())
			}
			return resp, err
		}
	}
}
