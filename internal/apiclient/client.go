// Package apiclient is the thin HTTP transport used to call external
// audience APIs. It only interprets status codes; payloads are opaque.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Options customizes one request.
type Options struct {
	Headers  map[string]string
	Query    url.Values
	Body     []byte
	Username string
	Password string
	// Timeout bounds the whole call; zero uses the client default.
	Timeout time.Duration
}

// Response is what came back from the remote API.
type Response struct {
	Success    bool
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned %d %s: %s",
		e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// HTTPStatus exposes the status code to error classifiers.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Sender performs HTTP calls.
type Sender interface {
	Send(ctx context.Context, method, rawURL string, opts Options) (*Response, error)
}

// Config holds client settings
type Config struct {
	DefaultTimeout time.Duration
	UserAgent      string
}

// Client sends HTTP requests with a default timeout
type Client struct {
	http      *http.Client
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
}

// New creates a new API client
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "formsync/1.0"
	}

	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: ua,
		timeout:   timeout,
		logger:    logger,
	}
}

// Send issues the request. A non-2xx response returns both the
// Response and an *APIError; transport failures return only an error.
func (c *Client) Send(ctx context.Context, method, rawURL string, opts Options) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if len(opts.Query) > 0 {
		q := u.Query()
		for k, vs := range opts.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.Username != "" || opts.Password != "" {
		req.SetBasicAuth(opts.Username, opts.Password)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, u.Host, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	out := &Response{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
	}

	c.logger.Debug("api call finished",
		zap.String("method", method),
		zap.String("host", u.Host),
		zap.String("path", u.Path),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if !out.Success {
		preview := respBody
		if len(preview) > 512 {
			preview = preview[:512]
		}
		return out, &APIError{
			Method:     method,
			URL:        u.Host + u.Path,
			StatusCode: resp.StatusCode,
			Body:       string(preview),
		}
	}
	return out, nil
}
