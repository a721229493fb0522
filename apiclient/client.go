// Package apiclient executes EntityAuth API calls: it attaches identity and
// bearer headers, classifies responses, and on a first 401 hands the call to a
// Refresher that refreshes once (coalesced) and replays it.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/entityauth/EntityKit-sub003/authstate"
	"github.com/entityauth/EntityKit-sub003/config"
	"github.com/entityauth/EntityKit-sub003/internal/ids"
	"github.com/entityauth/EntityKit-sub003/metrics"
	"github.com/entityauth/EntityKit-sub003/refresher"
)

const (
	HeaderClient    = "x-client"
	HeaderTenant    = "x-workspace-tenant-id"
	HeaderRequestID = "x-request-id"

	defaultTimeout  = 15 * time.Second
	maxResponseBody = 4 << 20
)

// TokenSource supplies the current credentials. *authstate.State satisfies it.
type TokenSource interface {
	Current() authstate.TokenPair
}

// Refresher refreshes tokens once for a batch of callers and replays op for each.
// stale is the access token the rejected request carried ("" if none).
type Refresher interface {
	RetryAfterRefreshingToken(ctx context.Context, stale string, op func(context.Context) ([]byte, error)) ([]byte, error)
}

// Client is safe for concurrent use.
type Client struct {
	log     *slog.Logger
	cfg     *config.Provider
	tokens  TokenSource
	http    *http.Client
	metrics metrics.Recorder

	mu        sync.RWMutex
	refresher Refresher
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithHTTPClient replaces the underlying *http.Client. Its transport is wrapped for logging.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) { c.metrics = metrics.OrNop(r) }
}

// WithRefresher sets the refresher at construction time.
func WithRefresher(r Refresher) Option {
	return func(c *Client) { c.refresher = r }
}

// New constructs a Client reading base URL and tenant from cfg on every request.
func New(cfg *config.Provider, tokens TokenSource, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, &ConfigurationError{Field: "config provider"}
	}
	if tokens == nil {
		return nil, &ConfigurationError{Field: "token source"}
	}

	c := &Client{
		log:     slog.Default(),
		cfg:     cfg,
		tokens:  tokens,
		http:    &http.Client{Timeout: defaultTimeout},
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *c.http
	hc.Transport = &loggingTransport{next: base, log: c.log, metrics: c.metrics}
	c.http = &hc

	return c, nil
}

// SetRefresher attaches the refresher after construction. The refresh service
// usually depends on the Client itself, so the two are wired in two steps.
func (c *Client) SetRefresher(r Refresher) {
	c.mu.Lock()
	c.refresher = r
	c.mu.Unlock()
}

func (c *Client) currentRefresher() Refresher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refresher
}

// Send executes req and returns the 2xx body.
func (c *Client) Send(ctx context.Context, req Request) ([]byte, error) {
	return c.send(ctx, req, false)
}

func (c *Client) send(ctx context.Context, req Request, isRetry bool) ([]byte, error) {
	status, body, sent, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}

	switch {
	case status >= 200 && status < 300:
		return body, nil

	case status == http.StatusUnauthorized:
		if !req.RequiresAuthentication || isRetry {
			return nil, &UnauthorizedError{Message: strings.TrimSpace(string(body))}
		}
		r := c.currentRefresher()
		if r == nil {
			return nil, &UnauthorizedError{Message: strings.TrimSpace(string(body))}
		}

		out, err := r.RetryAfterRefreshingToken(ctx, sent, func(ctx context.Context) ([]byte, error) {
			return c.send(ctx, req, true)
		})
		if err != nil {
			if refresher.IsRefreshFailure(err) {
				return nil, &UnauthorizedError{Err: err}
			}
			return nil, err
		}
		return out, nil

	default:
		return nil, &NetworkError{StatusCode: status, Message: string(body)}
	}
}

// execute performs one round trip and reports the access token it attached.
func (c *Client) execute(ctx context.Context, req Request) (int, []byte, string, error) {
	httpReq, sent, err := c.build(ctx, req)
	if err != nil {
		return 0, nil, "", err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return 0, nil, sent, ctxErr
		}
		return 0, nil, sent, &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, sent, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}
	return resp.StatusCode, body, sent, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, string, error) {
	cfg := c.cfg.Current()
	if cfg.BaseURL == "" {
		return nil, "", &ConfigurationError{Field: "baseURL"}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := cfg.BaseURL + path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	payload, err := req.encodeBody()
	if err != nil {
		return nil, "", &ConfigurationError{Field: "request body", Err: err}
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, "", &ConfigurationError{Field: "request", Err: err}
	}

	h := httpReq.Header
	h.Set("content-type", "application/json")
	h.Set("accept", "application/json")
	for k, v := range IdentityHeaders(cfg) {
		h[k] = v
	}
	h.Set(HeaderRequestID, ids.New())
	var sent string
	if req.RequiresAuthentication {
		if sent = c.tokens.Current().AccessToken; sent != "" {
			h.Set("authorization", "Bearer "+sent)
		}
	}
	for k, v := range req.Headers {
		h.Set(k, v)
	}

	return httpReq, sent, nil
}

// IdentityHeaders returns the client and tenant headers for cfg. The tenant
// header is omitted when no tenant is configured.
func IdentityHeaders(cfg config.Configuration) http.Header {
	h := http.Header{}
	h.Set(HeaderClient, cfg.ClientIdentifier)
	if cfg.WorkspaceTenantID != "" {
		h.Set(HeaderTenant, cfg.WorkspaceTenantID)
	}
	return h
}
