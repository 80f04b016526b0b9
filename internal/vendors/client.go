package vendor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout applies to single-entity calls.
	DefaultTimeout = 30 * time.Second
	// ListTimeout applies to windowed list calls, which vendors serve
	// slower.
	ListTimeout = 60 * time.Second

	defaultRPS   = 10
	defaultBurst = 20
)

// ClientOptions configures a vendor HTTP client.
type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
	// RPS and Burst bound the request rate toward the vendor; zero
	// values take the defaults.
	RPS   float64
	Burst int
}

// Client is the shared HTTP plumbing for adapters: one rate limiter and one
// circuit breaker per vendor account, uniform failure classification.
type Client struct {
	vendor  string
	baseURL string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client for one vendor account.
func NewClient(vendorName string, opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    vendorName,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		vendor:  vendorName,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
	}
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, op, path string, query url.Values, headers http.Header, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return NewError(FailMalformed, c.vendor, op, err)
	}
	return c.do(ctx, op, req, headers, out)
}

// PostJSON issues a POST with a JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, op, path string, body any, headers http.Header, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return NewError(FailMalformed, c.vendor, op, err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return NewError(FailMalformed, c.vendor, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, op, req, headers, out)
}

func (c *Client) do(ctx context.Context, op string, req *http.Request, headers http.Header, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req = req.WithContext(ctx)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return c.classifyErr(op, err)
	}

	body, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &statusError{code: resp.StatusCode, body: truncate(data, 256)}
		}
		return data, nil
	})
	if err != nil {
		return c.classifyErr(op, err)
	}

	if out != nil {
		if err := json.Unmarshal(body.([]byte), out); err != nil {
			return NewError(FailMalformed, c.vendor, op, err)
		}
	}
	return nil
}

// classifyErr maps transport-level failures onto the failure kinds.
func (c *Client) classifyErr(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(FailCancelled, c.vendor, op, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return NewError(FailTransient, c.vendor, op, err)
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code == http.StatusUnauthorized || se.code == http.StatusForbidden:
			return NewError(FailAuth, c.vendor, op, err)
		case se.code == http.StatusRequestTimeout || se.code == http.StatusTooManyRequests || se.code >= 500:
			return NewError(FailTransient, c.vendor, op, err)
		default:
			return NewError(FailMalformed, c.vendor, op, err)
		}
	}
	// Timeouts and connection resets land here.
	return NewError(FailTransient, c.vendor, op, err)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
