// Package client implements the signed HTTP API used by the agent: endpoint
// lookup, request signing, lazy system registration, and the typed calls the
// poll loop, tunnel supervisor, and CLI build on.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/fleetlink/internal/auth"
	"github.com/koltyakov/fleetlink/internal/clock"
	"github.com/koltyakov/fleetlink/internal/config"
	"github.com/koltyakov/fleetlink/internal/domain"
	"github.com/koltyakov/fleetlink/internal/hostinfo"
	"github.com/koltyakov/fleetlink/internal/netutil"
	"github.com/koltyakov/fleetlink/internal/versionutil"
)

const (
	maxResponseBytes = 4 * 1024 * 1024
	maxErrorBody     = 200
)

// Client talks to the fleet management server.
type Client struct {
	cfg       *config.Config
	log       *slog.Logger
	clock     clock.Clock
	http      *http.Client
	userAgent string
	hostInfo  func(ctx context.Context, serverURL string) (hostinfo.Info, error)

	registerMu sync.Mutex
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout should be zero since
// per-call deadlines are applied through the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock sets the time source used for request signatures.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithVersion sets the agent version advertised in the User-Agent header.
func WithVersion(v string) Option {
	return func(c *Client) { c.userAgent = versionutil.UserAgent("fleetlink", v) }
}

// WithHostInfo replaces host info discovery.
func WithHostInfo(fn func(ctx context.Context, serverURL string) (hostinfo.Info, error)) Option {
	return func(c *Client) { c.hostInfo = fn }
}

// New creates a Client reading URL, endpoints, and credentials from cfg.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		log:       slog.Default(),
		clock:     clock.Real(),
		userAgent: versionutil.UserAgent("fleetlink", ""),
		hostInfo:  hostinfo.Collect,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: newTransport(cfg, c.log)}
	}
	return c
}

func newTransport(cfg *config.Config, logger *slog.Logger) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !cfg.CheckSSL, //nolint:gosec // operator opt-out for self-signed servers
	}
	if p := strings.TrimSpace(cfg.Proxy); p != "" {
		if u, err := url.Parse(p); err == nil && u.Host != "" {
			tr.Proxy = http.ProxyURL(u)
		} else {
			logger.Warn("ignoring invalid proxy url", "proxy", p)
		}
	}
	return tr
}

// Call is one API request.
type Call struct {
	// Endpoint is a name from the endpoint table, or an absolute path
	// starting with "/" which is always signed.
	Endpoint string
	Query    url.Values
	Form     url.Values
	// Body and ContentType send a raw body instead of Form.
	Body        io.Reader
	ContentType string
	// Timeout overrides the configured request timeout.
	Timeout time.Duration

	anonymous bool
}

// Do performs the call and returns the trimmed response body, or nil for an
// empty body. Non-200 responses yield a *StatusError.
func (c *Client) Do(ctx context.Context, call Call) ([]byte, error) {
	ep, err := c.endpoint(call.Endpoint)
	if err != nil {
		return nil, err
	}

	var headers http.Header
	if !ep.Anonymous && !call.anonymous {
		creds, err := c.ensureRegistered(ctx)
		if err != nil {
			return nil, err
		}
		headers = auth.Sign(creds, c.clock).Headers()
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := netutil.JoinURL(c.cfg.URL(), ep.Path)
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}
	body := call.Body
	contentType := call.ContentType
	if body == nil && len(call.Form) > 0 {
		body = strings.NewReader(call.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}
	var sent atomic.Bool
	reqCtx = httptrace.WithClientTrace(reqCtx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				sent.Store(true)
			}
		},
	})
	req, err := http.NewRequestWithContext(reqCtx, ep.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", call.Endpoint, err)
	}
	for k, vs := range headers {
		req.Header[k] = vs
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Endpoint: call.Endpoint, Err: err, Sent: sent.Load()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RequestError{Endpoint: call.Endpoint, Err: err, Sent: true}
	}
	text := strings.TrimSpace(string(raw))
	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(call.Endpoint, resp.StatusCode, text)
	}
	if text == "" {
		return nil, nil
	}
	return []byte(text), nil
}

// DoJSON performs the call and decodes a non-empty JSON body into out. It
// reports whether a body was present.
func (c *Client) DoJSON(ctx context.Context, call Call, out any) (bool, error) {
	body, err := c.Do(ctx, call)
	if err != nil || body == nil {
		return false, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, &ProtocolError{Endpoint: call.Endpoint, Err: err}
	}
	return true, nil
}

func (c *Client) endpoint(name string) (config.Endpoint, error) {
	if strings.HasPrefix(name, "/") {
		return config.Endpoint{Method: http.MethodGet, Path: name}, nil
	}
	ep, ok := c.cfg.Endpoints[name]
	if !ok {
		return config.Endpoint{}, fmt.Errorf("%w: %s", domain.ErrUnknownEndpoint, name)
	}
	if ep.Method == "" {
		ep.Method = http.MethodGet
	}
	return ep, nil
}

// ensureRegistered returns the current credentials, registering the system
// first when none are configured and auto-registration is on.
func (c *Client) ensureRegistered(ctx context.Context) (auth.Credentials, error) {
	if creds := c.cfg.Credentials(); creds.Present() {
		return creds, nil
	}
	if !c.cfg.AutoRegistration {
		return auth.Credentials{}, domain.ErrNotRegistered
	}
	if err := c.Register(ctx); err != nil {
		c.log.Error("registration failed", "err", err)
		return auth.Credentials{}, fmt.Errorf("registration failed: %w", err)
	}
	creds := c.cfg.Credentials()
	if !creds.Present() {
		return auth.Credentials{}, errors.New("registration failed: credentials not stored")
	}
	return creds, nil
}
