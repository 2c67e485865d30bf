package httpx

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

	"github.com/njoerd114/platformsync/internal/model"
)

// StatusError is a non-2xx response from a platform API.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is maps status codes onto the error taxonomy so callers can use errors.Is
// with model.ErrAuth, model.ErrRateLimited and model.ErrNotFound.
func (e *StatusError) Is(target error) bool {
	switch target {
	case model.ErrAuth:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case model.ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	case model.ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Client is a JSON API client bound to one platform base URL.
type Client struct {
	hc      *http.Client
	baseURL string
}

// NewClient returns a Client for baseURL whose requests go through a
// Transport built from opts. Each attempt, retries included, is bounded by
// timeout on its own.
func NewClient(baseURL string, timeout time.Duration, opts Options) *Client {
	if timeout != 0 {
		opts.Timeout = timeout
	}
	return &Client{
		hc:      &http.Client{Transport: NewTransport(opts)},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// HTTPClient exposes the underlying client for SDKs that accept one.
func (c *Client) HTTPClient() *http.Client { return c.hc }

// BaseURL returns the base URL requests are resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends a request with body encoded as JSON (nil for none) and decodes a
// JSON response into out (nil to discard). path may be absolute or relative
// to the base URL. Non-2xx responses return a *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), rd)
	if err != nil {
		return fmt.Errorf("creating %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

// DoForm sends a form-encoded body. Used by the few platform methods that do
// not accept JSON.
func (c *Client) DoForm(ctx context.Context, method, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating %s %s request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		// url.Error repeats the full URL, query included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("%s %s: %w", req.Method, redact(req.URL.String()), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return &StatusError{
			Method: req.Method,
			URL:    redact(req.URL.String()),
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s %s response: %w", req.Method, redact(req.URL.String()), err)
	}
	return nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// redact drops the query string, which may carry API keys or tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
