package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/version"
)

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	limiter    *rate.Limiter
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  version.UserAgent(),
	}
}

// WithRateLimit caps outbound requests per second across all callers sharing
// the client. A non-positive rps disables limiting.
func (c *Client) WithRateLimit(rps float64) *Client {
	if rps <= 0 {
		c.limiter = nil
		return c
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

// Do sends req with retries on transport errors, 429 and 5xx. Other statuses
// are returned to the caller without error so that API error payloads can be
// inspected.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var lastErr error
	var lastResp *Response
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, clierr.Wrap(clierr.CodeRateLimited, "rate limit wait", err)
			}
		}

		cloneReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
			}
			cloneReq.Body = body
		}

		resp, err := c.httpClient.Do(cloneReq)
		if err != nil {
			lastErr = mapNetError(err)
			if attempt < c.retries {
				continue
			}
			return nil, lastErr
		}

		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read provider response", readErr)
		}
		lastResp = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: buf}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = clierr.New(clierr.CodeRateLimited, "provider rate limited request")
			if attempt < c.retries {
				continue
			}
			return lastResp, lastErr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = clierr.New(clierr.CodeUnavailable, fmt.Sprintf("provider unavailable (status %d)", resp.StatusCode))
			if attempt < c.retries {
				continue
			}
			return lastResp, lastErr
		}
		return lastResp, nil
	}

	if lastErr != nil {
		return lastResp, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		if resp != nil {
			return resp.Header, err
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.Header, clierr.New(clierr.CodeAuth, "provider authentication failed")
	}
	if !resp.OK() {
		return resp.Header, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("provider returned unexpected status %d", resp.StatusCode))
	}
	if out == nil {
		return resp.Header, nil
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return resp.Header, clierr.New(clierr.CodeUnavailable, "provider returned empty response")
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "decode provider JSON", err)
	}
	return resp.Header, nil
}

func NewBodyRequest(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// DoBodyJSON sends an optional JSON body with extra headers and decodes a 2xx
// reply into out.
func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	req, err := NewBodyRequest(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	return c.DoJSON(ctx, req, out)
}

// DoBody sends a JSON body and returns the raw response regardless of 4xx status.
func DoBody(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string) (*Response, error) {
	req, err := NewBodyRequest(ctx, method, url, body, headers)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

func mapNetError(err error) error {
	if nerr, ok := err.(net.Error); ok {
		if nerr.Timeout() {
			return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
		}
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
