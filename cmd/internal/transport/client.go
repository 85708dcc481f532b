package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/apperr"
	"github.com/esmukingi/NexChat/cmd/internal/credstore"
	"github.com/esmukingi/NexChat/cmd/internal/ids"
	"github.com/esmukingi/NexChat/cmd/internal/metrics"

	"golang.org/x/net/publicsuffix"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 16 << 20 // profile pictures and images travel inline

	// HeaderRequestID correlates a call with backend logs.
	HeaderRequestID = "X-Request-ID"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Mode    CredentialMode
	Timeout time.Duration

	// Tokens is required in bearer mode and ignored in cookie mode.
	Tokens credstore.Store

	// HTTPClient overrides the underlying client (tests). Its Jar is replaced in cookie mode.
	HTTPClient *http.Client

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// UnauthorizedFunc receives a non-exempt 401.
type UnauthorizedFunc func(ctx context.Context)

// Client sends JSON requests to the backend.
type Client struct {
	base    *url.URL
	mode    CredentialMode
	http    *http.Client
	tokens  credstore.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	mu             sync.RWMutex
	onUnauthorized UnauthorizedFunc
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperr.Validation("transport.New", fmt.Sprintf("invalid base url %q", cfg.BaseURL))
	}

	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		cp := *cfg.HTTPClient
		hc = &cp
	}
	if hc.Timeout <= 0 {
		hc.Timeout = cfg.Timeout
	}
	if hc.Timeout <= 0 {
		hc.Timeout = defaultTimeout
	}

	switch cfg.Mode {
	case CredentialCookie:
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		hc.Jar = jar
	case CredentialBearer:
		if cfg.Tokens == nil {
			return nil, apperr.Validation("transport.New", "bearer mode requires a token store")
		}
		hc.Jar = nil
	default:
		return nil, apperr.Validation("transport.New", fmt.Sprintf("unknown credential mode %q", cfg.Mode))
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		base:    base,
		mode:    cfg.Mode,
		http:    hc,
		tokens:  cfg.Tokens,
		log:     log,
		metrics: cfg.Metrics,
	}, nil
}

// Mode returns the configured credential mode.
func (c *Client) Mode() CredentialMode { return c.mode }

// BaseURL returns a copy of the backend base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// OnUnauthorized installs the handler fired for non-exempt 401 responses.
func (c *Client) OnUnauthorized(fn UnauthorizedFunc) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// Response is a completed 2xx response with its body fully read.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into dst.
func (r *Response) Decode(dst any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return apperr.New("transport.Decode", apperr.ErrRemote, "empty response body")
	}
	if err := json.Unmarshal(r.Body, dst); err != nil {
		return apperr.Wrap("transport.Decode", apperr.ErrRemote, err)
	}
	return nil
}

// Send performs one request. body may be nil, []byte (sent as-is) or any JSON-marshalable value.
// Every failure is an *apperr.Error; a non-exempt 401 also fires the unauthorized handler.
func (c *Client) Send(ctx context.Context, method, path string, body any, opts ...Option) (*Response, error) {
	const op = "transport.Send"

	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	exempt := o.exempt || IsExempt(path)

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	route := routeLabel(path)
	reqID := req.Header.Get(HeaderRequestID)

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveHTTP(method, route, 0, time.Since(start).Seconds())
		c.log.Info("transport.request.fail", "method", method, "path", route, "request_id", reqID, "err", err)
		return nil, &apperr.Error{Op: op, Kind: apperr.ErrNetwork, Msg: "Network error. Please check your connection.", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.metrics.ObserveHTTP(method, route, resp.StatusCode, time.Since(start).Seconds())
	if err != nil {
		return nil, &apperr.Error{Op: op, Kind: apperr.ErrNetwork, Status: resp.StatusCode, Err: err}
	}

	c.log.Debug("transport.request",
		"method", method,
		"path", route,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", reqID,
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	code, msg := backendMessage(data)
	e := &apperr.Error{Op: op, Kind: apperr.ErrRemote, Status: resp.StatusCode, Code: code, Msg: msg}

	if resp.StatusCode == http.StatusUnauthorized {
		if exempt {
			e.Kind = apperr.ErrAuthRejected
			return nil, e
		}
		e.Kind = apperr.ErrSessionExpired
		c.log.Info("transport.unauthorized", "method", method, "path", route, "request_id", reqID)
		c.metrics.IncUnauthorized()
		c.fireUnauthorized(ctx)
	}
	return nil, e
}

// SendJSON is Send followed by Decode into out (skipped when out is nil).
func (c *Client) SendJSON(ctx context.Context, method, path string, in, out any, opts ...Option) error {
	resp, err := c.Send(ctx, method, path, in, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// CredentialHeader returns the headers that carry the session credential, for
// callers that authenticate outside Send (the realtime dial). Only one of
// Cookie or Authorization is ever set.
func (c *Client) CredentialHeader(ctx context.Context) http.Header {
	h := http.Header{}
	switch c.mode {
	case CredentialBearer:
		if tok := c.token(ctx); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	case CredentialCookie:
		if c.http.Jar == nil {
			return h
		}
		parts := make([]string, 0, 2)
		for _, ck := range c.http.Jar.Cookies(c.base) {
			parts = append(parts, ck.Name+"="+ck.Value)
		}
		if len(parts) > 0 {
			h.Set("Cookie", strings.Join(parts, "; "))
		}
	}
	return h
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	const op = "transport.Send"

	u := c.base.JoinPath(path)

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, apperr.Wrap(op, apperr.ErrValidation, err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.ErrValidation, err)
	}
	req.Header.Set("Accept", "application/json")
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderRequestID, ids.RequestID())

	if c.mode == CredentialBearer {
		if tok := c.token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

func (c *Client) token(ctx context.Context) string {
	tok, err := c.tokens.Load(ctx)
	if err != nil {
		if !errors.Is(err, credstore.ErrNoToken) {
			c.log.Warn("transport.token.load.fail", "err", err)
		}
		return ""
	}
	return tok
}

func (c *Client) fireUnauthorized(ctx context.Context) {
	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn(context.WithoutCancel(ctx))
	}
}

// backendMessage extracts {"message": ...}, {"error":{"code","message"}} or {"error": "..."}.
func backendMessage(data []byte) (code, msg string) {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", ""
	}
	if len(body.Error) > 0 {
		var obj struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body.Error, &obj); err == nil && (obj.Code != "" || obj.Message != "") {
			return obj.Code, strings.TrimSpace(obj.Message)
		}
		var str string
		if err := json.Unmarshal(body.Error, &str); err == nil && body.Message == "" {
			return "", strings.TrimSpace(str)
		}
	}
	return "", strings.TrimSpace(body.Message)
}
