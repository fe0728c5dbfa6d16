package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"calcbot/internal/metrics"
)

// Retrying happens only here, at the transport level. A failed turn is never
// re-run by the bridge; the single thing that may be repeated is one HTTP
// request, on connection errors, 5xx, and 429.
const transportRetries = 2

// retryBackoffBase scales the wait between attempts. Variable so tests can
// shrink it.
var retryBackoffBase = 500 * time.Millisecond

// transientError carries a retryable upstream status for the final wrap.
type transientError struct {
	status int
	body   string
}

func (e *transientError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// doWithRetry sends the request built by buildReq, repeating it up to
// transportRetries times on transient failures with linear backoff plus
// jitter. Non-transient responses (including 4xx) are returned to the caller
// untouched.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt)*retryBackoffBase + time.Duration(rand.Int63n(int64(retryBackoffBase)))
			metrics.LLMRetries.Inc()
			logger.Warn("transport retry", "attempt", attempt, "wait", wait, "cause", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if transientStatus(resp.StatusCode) {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &transientError{status: resp.StatusCode, body: string(body)}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("gave up after %d transport retries: %w", transportRetries, lastErr)
}
