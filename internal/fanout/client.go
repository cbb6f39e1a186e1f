// Package fanout implements Fanout: staggered, deadline-bounded parallel
// HTTP queries to every registered agent axon, each carrying a compressed
// per-uid state envelope and returning a compressed response payload.
//
// Adapted from the teacher's exchange.Client: a single shared, pooled
// *resty.Client (retry policy, connection reuse) plus a rate-limiting layer
// gating outbound request volume. Fanout keeps the shared pooled client but
// replaces the rate limiter with the counting Semaphore in ratelimit.go,
// since the target here is bounding concurrency to many distinct hosts
// (agent axons), not smoothing request rate against one upstream API.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is the shared HTTP client used to query every agent axon.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient builds a pooled resty client tuned for many small, short-lived
// requests to distinct per-uid hosts. No automatic retry: a failed or
// timed-out query becomes a Timeout/Failure Outcome, never a silent retry,
// since the simulator step deadline does not allow for one.
func NewClient(maxIdleConnsPerHost int, logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     30 * time.Second,
	}
	httpClient := resty.New().
		SetTransport(transport).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient, logger: logger}
}

// queryResult is the raw outcome of one HTTP call before Fanout classifies
// it into an Outcome.
type queryResult struct {
	body string
	err  error
}

// query POSTs the envelope to the axon's endpoint and returns the raw
// response body. ctx carries both the per-axon soft timeout and, via the
// caller, the global step deadline — whichever fires first aborts the call.
func (c *Client) query(ctx context.Context, axonURL string, envelope string) queryResult {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(envelope).
		Post(axonURL)
	if err != nil {
		return queryResult{err: fmt.Errorf("fanout: query %s: %w", axonURL, err)}
	}
	if resp.StatusCode() != http.StatusOK {
		return queryResult{err: fmt.Errorf("fanout: query %s: status %d", axonURL, resp.StatusCode())}
	}
	return queryResult{body: resp.String()}
}
