package mediaproviders

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultAttempts is the total number of tries for a transient failure.
	DefaultAttempts = 3
	// DefaultBackoff is the fixed pause between tries.
	DefaultBackoff = 500 * time.Millisecond

	maxResponseBytes = 64 << 20
)

// send issues one wire request, retrying connection errors, per-attempt timeouts and 5xx
// responses with a constant backoff. 4xx responses are returned to the caller untouched.
// A 5xx that survives every attempt is returned as the response so its body can be reported.
func (c *Client) send(ctx context.Context, wr *WireRequest, timeout time.Duration) (*WireResponse, int, error) {
	var (
		resp     *WireResponse
		attempts int
	)

	operation := func() error {
		resp = nil
		attempts++
		c.metrics.recordAttempt(c.cfg.ID)

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, wr.Method, wr.URL, bytes.NewReader(wr.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if wr.Header != nil {
			req.Header = wr.Header.Clone()
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("read response: %w", err)
		}

		resp = &WireResponse{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		if httpResp.StatusCode >= 500 {
			return fmt.Errorf("server error: %s", httpResp.Status)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.backoff), uint64(c.attempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", wait).Msg("Retrying request")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err != nil && resp != nil && resp.Status >= 500 {
		return resp, attempts, nil
	}
	if err != nil {
		return nil, attempts, &Error{
			Kind:     KindTransientNetworkFailure,
			Provider: c.cfg.ID,
			Message:  fmt.Sprintf("request failed after %d attempt(s): %v", attempts, err),
			Cause:    err,
		}
	}
	return resp, attempts, nil
}
