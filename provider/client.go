package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// AuthStyle selects where the access token is attached to a request.
type AuthStyle int

const (
	// AuthHeader sends "Authorization: Bearer <token>".
	AuthHeader AuthStyle = iota
	// AuthQuery sends the token as the access_token query parameter.
	AuthQuery
)

const (
	defaultAuthAttempts = 2
	maxErrorBody        = 4096
)

// AuthCheck inspects a successful-looking response and reports whether the
// provider actually rejected the token. It may replace resp.Body.
type AuthCheck func(resp *http.Response) bool

// Request is one call issued through a Client.
type Request struct {
	Endpoint Endpoint
	Params   Params
	// URL is used verbatim instead of Endpoint when set (download links,
	// upload sessions).
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
	// Anonymous requests carry no access token.
	Anonymous bool
}

// Client issues authenticated requests against one provider. It owns its
// connection pool and token source; there is no package-level state.
type Client struct {
	http         *retryablehttp.Client
	base         string
	tokens       TokenSource
	style        AuthStyle
	userAgent    string
	authCheck    AuthCheck
	authAttempts int
	logger       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetry bounds transport-level retries for 5xx, 429 and connection errors.
func WithRetry(max int, waitMin, waitMax time.Duration) ClientOption {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = waitMin
		c.http.RetryWaitMax = waitMax
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http.HTTPClient = hc
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithAuthCheck installs a hook for providers that signal token expiry in the
// body instead of with a 401.
func WithAuthCheck(check AuthCheck) ClientOption {
	return func(c *Client) {
		c.authCheck = check
	}
}

// WithLogger sets the logger used for retries and token refreshes.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client rooted at base.
func NewClient(base string, tokens TokenSource, style AuthStyle, opts ...ClientOption) *Client {
	rc := retryablehttp.NewClient()
	rc.ErrorHandler = keepLastResponse

	c := &Client{
		http:         rc,
		base:         base,
		tokens:       tokens,
		style:        style,
		authAttempts: defaultAuthAttempts,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	rc.Logger = c.logger
	return c
}

// Do sends the request. A 401 (or a body the AuthCheck flags) invalidates the
// token and re-issues the request once; the attempt count is bounded.
// The caller owns the returned body.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		req, err := c.newRequest(ctx, r)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.opName(r), err)
		}

		rejected := resp.StatusCode == http.StatusUnauthorized
		if !rejected && c.authCheck != nil && isSuccess(resp.StatusCode) {
			rejected = c.authCheck(resp)
		}
		if !rejected || r.Anonymous || c.tokens == nil || attempt >= c.authAttempts {
			return resp, nil
		}

		drain(resp.Body)
		c.logger.Info("access token rejected, refreshing", "op", c.opName(r), "attempt", attempt)
		c.tokens.Invalidate()
	}
}

// Expect sends the request and converts any status outside ok into a
// StatusError. The body is returned open on success.
func (c *Client) Expect(ctx context.Context, r Request, ok ...int) (*http.Response, error) {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return nil, err
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	return nil, statusError(c.opName(r), resp)
}

func (c *Client) newRequest(ctx context.Context, r Request) (*retryablehttp.Request, error) {
	var u *url.URL
	var err error
	if r.URL != "" {
		u, err = url.Parse(r.URL)
		if err == nil && len(r.Query) > 0 {
			q := u.Query()
			for k, vs := range r.Query {
				for _, v := range vs {
					q.Add(k, v)
				}
			}
			u.RawQuery = q.Encode()
		}
	} else {
		u, err = r.Endpoint.URL(c.base, r.Params, r.Query)
	}
	if err != nil {
		return nil, err
	}

	method := r.Endpoint.Method
	if method == "" {
		method = http.MethodGet
	}

	var token string
	if !r.Anonymous && c.tokens != nil {
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		if c.style == AuthQuery {
			q := u.Query()
			q.Set("access_token", token)
			u.RawQuery = q.Encode()
		}
	}

	var body any
	if r.Body != nil {
		body = r.Body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.opName(r), err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Body != nil {
		// retryablehttp does not set it for byte slices
		req.ContentLength = int64(len(r.Body))
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if token != "" && c.style == AuthHeader {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) opName(r Request) string {
	if r.Endpoint.Name != "" {
		return r.Endpoint.Name
	}
	return "request"
}

// getJSON issues r and decodes a 2xx JSON answer into out.
func (c *Client) getJSON(ctx context.Context, r Request, out any) error {
	resp, err := c.Expect(ctx, r, http.StatusOK, http.StatusCreated)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", c.opName(r), err)
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), out); err != nil {
		return fmt.Errorf("%s: %w: %v", c.opName(r), ErrMalformedResponse, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       string(bytes.TrimSpace(body)),
	}
}

// keepLastResponse hands the final response to the caller once retries are
// exhausted so the status can be classified.
func keepLastResponse(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
