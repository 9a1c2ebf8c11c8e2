// Package transport fetches playlists, keys and segments over HTTP with a bounded retry budget.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrExhausted is returned when every attempt failed at the transport level.
var ErrExhausted = errors.New("transport retries exhausted")

// Options carries the request decorations applied to every fetch.
type Options struct {
	// Params are added to the query string of every request
	Params map[string]string `yaml:"params"`

	// Cookies are sent with every request
	Cookies map[string]string `yaml:"cookies"`

	// Headers are set on every request
	Headers map[string]string `yaml:"headers"`

	// Proxy is an optional proxy URL (http, https or socks5)
	Proxy string `yaml:"proxy"`

	// Timeout bounds a single attempt; zero means no per-attempt timeout
	Timeout time.Duration `yaml:"timeout"`

	// RetryDelay is the pause between attempts
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the response carries a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client performs GET requests with transport-level retries.
type Client struct {
	httpClient *http.Client
	opts       Options
	logger     *slog.Logger
}

// New creates a new Client from the given options.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", opts.Proxy, err)
		}
		base.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &headerMapTransport{headers: opts.Headers, base: base},
		},
		opts:   opts,
		logger: logger,
	}, nil
}

// Fetch performs a GET of rawURL, retrying up to retries attempts on transport errors.
// Non-2xx responses are returned as-is without retrying; the caller decides what they mean.
// When all attempts fail the returned error wraps ErrExhausted.
func (c *Client) Fetch(ctx context.Context, rawURL string, retries int) (*Response, error) {
	if retries < 1 {
		retries = 1
	}

	reqURL, err := c.withParams(rawURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		resp, err := c.attempt(ctx, reqURL)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		c.logger.Debug("fetch attempt failed",
			"url", rawURL,
			"attempt", attempt,
			"retries", retries,
			"error", err,
		)

		if attempt < retries && c.opts.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.RetryDelay):
			}
		}
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrExhausted, rawURL, retries, lastErr)
}

func (c *Client) attempt(ctx context.Context, reqURL string) (*Response, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for name, value := range c.opts.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (c *Client) withParams(rawURL string) (string, error) {
	if len(c.opts.Params) == 0 {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	q := u.Query()
	for k, v := range c.opts.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// headerMapTransport sets a fixed header map on every request.
type headerMapTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerMapTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
