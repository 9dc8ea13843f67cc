package signalcli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

const maxRetries = 3

// retryBackoff is the pause before retry attempt n (n >= 1).
var retryBackoff = func(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * 500 * time.Millisecond
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// roundTrip executes the request built by buildReq. GET requests are retried
// with backoff on network failures, 5xx and 429; anything else is sent once
// so a message is never delivered twice.
func (c *Client) roundTrip(ctx context.Context, method, path string, buildReq func() (*http.Request, error)) (*http.Response, error) {
	attempts := 1
	if method == http.MethodGet {
		attempts += maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(attempt)
			c.logger.Warn("retrying gateway request", "path", path, "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			continue
		}
		if retryable(resp.StatusCode) && attempt < attempts-1 {
			lastErr = readAPIError(resp, method, path)
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
