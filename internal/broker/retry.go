package broker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"daybot/internal/metrics"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

const maxAttempts = 5

// withRetry runs fn with exponential backoff and full jitter, capped at
// maxAttempts. Cancellation and "position does not exist" stop immediately;
// everything else (network faults, rate limits, generic API errors) is
// considered transient.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := g.retryBase
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == maxAttempts {
			return err
		}
		metrics.Retries.WithLabelValues(op).Inc()
		jittered := time.Duration(rand.Int63n(int64(delay)) + 1)
		slog.Warn("retrying venue call", "op", op, "attempt", attempt, "backoff", jittered, "error", err)
		if werr := WaitForContext(ctx, jittered); werr != nil {
			return werr
		}
		delay *= 2
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !isNoPosition(err)
}

func isNoPosition(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
