// Package restclient is the small JSON-over-HTTP layer shared by the
// registry and contact-hub clients: base URL resolution, auth, a request
// rate limit and status handling.
package restclient

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

	"golang.org/x/time/rate"

	logx "reportbridge/pkg/logx"
)

const maxBody = 8 << 20

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	// Auth decorates every outgoing request.
	Auth       func(*http.Request)
	HTTPClient *http.Client
	Log        logx.Logger
}

type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	auth    func(*http.Request)
	log     logx.Logger
}

// StatusError is returned for responses outside 2xx. Body is kept so the
// caller can classify it.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Code, strings.TrimSpace(string(e.Body)))
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func New(opt Options) (*Client, error) {
	raw := strings.TrimSpace(opt.BaseURL)
	if raw == "" {
		return nil, errors.New("base url is required")
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	hc := opt.HTTPClient
	if hc == nil {
		timeout := opt.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opt.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opt.RatePerSec), max(1, int(opt.RatePerSec)))
	}
	return &Client{base: base, http: hc, limiter: lim, auth: opt.Auth, log: opt.Log}, nil
}

// URL resolves path and query against the base URL.
func (c *Client) URL(path string, q url.Values) string {
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")})
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Do sends a JSON request to a path relative to the base URL. See DoURL.
func (c *Client) Do(ctx context.Context, method, path string, q url.Values, in, out any) ([]byte, error) {
	return c.DoURL(ctx, method, c.URL(path, q), in, out)
}

// DoURL sends in (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil). The raw response body is always returned. A non-2xx
// response yields a *StatusError; accept lists extra codes treated as
// success, which lets callers read structured rejections.
func (c *Client) DoURL(ctx context.Context, method, target string, in, out any, accept ...int) ([]byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth(req)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.log.Trace("http call",
		logx.String("method", method),
		logx.String("url", req.URL.Redacted()),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		return raw, &StatusError{Method: method, URL: req.URL.Redacted(), Code: resp.StatusCode, Body: raw}
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("decode %s response: %w", req.URL.Path, err)
		}
	}
	return raw, nil
}
