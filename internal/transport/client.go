package transport

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/skillbridge_offline/internal/logctx"
)

const (
	updatesPath         = "/api/sync/updates"
	defaultTimeout      = 60 * time.Second
	updatesTimeout      = 30 * time.Second
	maxErrorBodyPreview = 512
)

// Client talks to the content API over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUserAgent sets the User-Agent sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for the API rooted at baseURL. fetchTimeout bounds
// the wait for response headers of each request; bodies may stream for longer.
func NewClient(baseURL string, fetchTimeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	if fetchTimeout <= 0 {
		fetchTimeout = defaultTimeout
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = fetchTimeout

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(base),
		},
		userAgent: "skillbridge-offline",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// resolve turns a relative reference into an absolute URL against the base.
func (c *Client) resolve(ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	return c.baseURL.ResolveReference(r).String(), nil
}

// Fetch opens the resource at rawURL.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Stream, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, &TransportError{Operation: "fetch", URL: rawURL, Message: "invalid url", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{Operation: "fetch", URL: target, Message: "failed to build request", Err: err}
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, c.requestError(ctx, "fetch", target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()

		return nil, statusError("fetch", target, resp)
	}

	return &Stream{
		Body:        resp.Body,
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Upload posts payload to endpoint. A 409 answer becomes a *ConflictError.
func (c *Client) Upload(ctx context.Context, endpoint string, payload []byte) error {
	target, err := c.resolve(endpoint)
	if err != nil {
		return &TransportError{Operation: "upload", URL: endpoint, Message: "invalid endpoint", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Operation: "upload", URL: target, Message: "failed to build request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return c.requestError(ctx, "upload", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return &ConflictError{Endpoint: endpoint, Message: readPreview(resp.Body)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("upload", target, resp)
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// FetchUpdatesSince pulls remote updates published after since. A 404 means
// the server has nothing new and yields empty updates.
func (c *Client) FetchUpdatesSince(ctx context.Context, since time.Time) (*Updates, error) {
	target, err := c.resolve(updatesPath)
	if err != nil {
		return nil, &TransportError{Operation: "fetch_updates", URL: updatesPath, Message: "invalid url", Err: err}
	}

	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	target += "?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, updatesTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{Operation: "fetch_updates", URL: target, Message: "failed to build request", Err: err}
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, c.requestError(ctx, "fetch_updates", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Updates{}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("fetch_updates", target, resp)
	}

	var updates Updates
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil {
		return nil, &TransportError{Operation: "fetch_updates", URL: target, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}

	return &updates, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	logctx.LoggerFromContext(req.Context()).DebugContext(req.Context(), "sending request", "method", req.Method, "url", req.URL.Redacted())

	return c.httpClient.Do(req)
}

// requestError classifies a failed round trip. Cancellation by the caller is
// passed through as the context cause so it is never mistaken for a network
// failure; deadlines are network failures.
func (c *Client) requestError(ctx context.Context, op, target string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Cause(ctx)
	}

	return &TransportError{Operation: op, URL: target, Message: err.Error(), Err: err}
}

func statusError(op, target string, resp *http.Response) error {
	msg := readPreview(resp.Body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &TransportError{Operation: op, URL: target, StatusCode: resp.StatusCode, Message: msg}
}

func readPreview(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyPreview))

	return strings.TrimSpace(string(b))
}
