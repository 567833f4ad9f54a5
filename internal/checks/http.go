package checks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/reviewd/internal/gateway"
)

// maxResponseBytes bounds how much of a checker response we will read.
const maxResponseBytes = 4 * 1024 * 1024

// HTTPChecker invokes a checker service over HTTP. The request is a JSON
// ChangeRef POSTed to the endpoint; the response is the Outcome wire form.
// All calls go through the gateway for retry and circuit breaking.
type HTTPChecker struct {
	name     string
	endpoint string
	gw       *gateway.Gateway
	client   *http.Client
}

// NewHTTPChecker creates a checker client for the named step.
func NewHTTPChecker(name, endpoint string, gw *gateway.Gateway) *HTTPChecker {
	return &HTTPChecker{
		name:     name,
		endpoint: endpoint,
		gw:       gw,
		// Per-attempt timeouts come from the gateway's request context;
		// the client itself stays unbounded.
		client: &http.Client{},
	}
}

// Name returns the step name this checker serves.
func (c *HTTPChecker) Name() string {
	return c.name
}

// Run posts the change reference and decodes the verdict.
func (c *HTTPChecker) Run(ctx context.Context, ref ChangeRef) (Outcome, error) {
	body, err := json.Marshal(ref)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode check request: %w", err)
	}

	var outcome Outcome
	err = c.gw.Do(ctx, "checker:"+c.name, "run", func(ctx context.Context) error {
		// Fresh per attempt: json.Unmarshal leaves absent fields untouched,
		// so a retry must not inherit findings from an earlier response.
		outcome = Outcome{}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build check request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return gateway.Transient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return gateway.RateLimited(
				fmt.Errorf("checker %s throttled", c.name),
				parseRetryAfter(resp.Header.Get("Retry-After")),
			)
		}
		if ge := gateway.FromStatusCode(resp.StatusCode, nil); ge != nil {
			return ge
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return gateway.Transient(fmt.Errorf("failed to read check response: %w", err))
		}
		if err := json.Unmarshal(data, &outcome); err != nil {
			return fmt.Errorf("failed to decode check response: %w", err)
		}
		if outcome.Verdict != VerdictPass && outcome.Verdict != VerdictFail {
			return fmt.Errorf("checker %s returned invalid status %q", c.name, outcome.Verdict)
		}
		for i := range outcome.Findings {
			outcome.Findings[i].SourceStep = c.name
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

// parseRetryAfter parses a Retry-After header in either delay-seconds or
// HTTP-date form. Returns zero when unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
