package app

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/apperr"
	"github.com/esmukingi/NexChat/cmd/internal/realtime"
	"github.com/esmukingi/NexChat/cmd/internal/transport"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	APIBaseURL     string        `env:"NEX_API_BASE_URL" envDefault:"http://localhost:5001/api"`
	WSURL          string        `env:"NEX_WS_URL"`
	CredentialMode string        `env:"NEX_CREDENTIAL_MODE" envDefault:"cookie"`
	HTTPTimeout    time.Duration `env:"NEX_HTTP_TIMEOUT" envDefault:"15s"`

	LinkBaseDelay         time.Duration `env:"NEX_LINK_BASE_DELAY" envDefault:"500ms"`
	LinkMaxDelay          time.Duration `env:"NEX_LINK_MAX_DELAY" envDefault:"30s"`
	LinkMaxAttempts       int           `env:"NEX_LINK_MAX_ATTEMPTS" envDefault:"5"`
	LinkJitter            float64       `env:"NEX_LINK_JITTER" envDefault:"0.2"`
	LinkHandshakeTimeout  time.Duration `env:"NEX_LINK_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	LinkHeartbeatInterval time.Duration `env:"NEX_LINK_HEARTBEAT_INTERVAL" envDefault:"25s"`
	LinkMinStable         time.Duration `env:"NEX_LINK_MIN_STABLE" envDefault:"5s"`

	// Empty keeps the token in memory only.
	CredentialDB string `env:"NEX_CREDENTIAL_DB"`

	// If true, NEX_TOKEN_SEAL_KEY MUST be set and the stored token is sealed.
	RequireSealedToken bool `env:"NEX_REQUIRE_SEALED_TOKEN" envDefault:"false"`

	// Empty disables the ops listener.
	OpsAddr           string        `env:"NEX_OPS_ADDR"`
	ReadHeaderTimeout time.Duration `env:"NEX_OPS_READ_HEADER_TIMEOUT" envDefault:"5s"`

	LogLevel  string `env:"NEX_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"NEX_LOG_FORMAT" envDefault:"json"`
}

// LoadConfig loads Config from the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// loadConfigFrom parses a fixed environment; used by tests.
func loadConfigFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	const op = "app.Config"

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Validation(op, "NEX_API_BASE_URL must be an absolute http(s) URL")
	}
	if _, ok := transport.ParseCredentialMode(c.CredentialMode); !ok {
		return apperr.Validation(op, "NEX_CREDENTIAL_MODE must be cookie or bearer")
	}
	if c.LinkMaxAttempts < 1 {
		return apperr.Validation(op, "NEX_LINK_MAX_ATTEMPTS must be at least 1")
	}
	if c.LinkJitter < 0 || c.LinkJitter >= 1 {
		return apperr.Validation(op, "NEX_LINK_JITTER must be in [0,1)")
	}
	if c.LinkBaseDelay <= 0 || c.LinkMaxDelay < c.LinkBaseDelay {
		return apperr.Validation(op, "NEX_LINK_MAX_DELAY must not be below NEX_LINK_BASE_DELAY")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty", "text":
	default:
		return apperr.Validation(op, "NEX_LOG_FORMAT must be json, pretty or text")
	}
	return nil
}

// Mode returns the parsed credential mode.
func (c Config) Mode() transport.CredentialMode {
	m, _ := transport.ParseCredentialMode(c.CredentialMode)
	return m
}

// LinkPolicy returns the reconnect policy.
func (c Config) LinkPolicy() realtime.Policy {
	return realtime.Policy{
		BaseDelay:   c.LinkBaseDelay,
		MaxDelay:    c.LinkMaxDelay,
		MaxAttempts: c.LinkMaxAttempts,
		Jitter:      c.LinkJitter,
	}
}

// RealtimeURL returns NEX_WS_URL, or the API origin with a ws scheme and /ws path.
func (c Config) RealtimeURL() string {
	if strings.TrimSpace(c.WSURL) != "" {
		return c.WSURL
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return ""
	}
	return wsBaseURL(u.Scheme+"://"+u.Host) + "/ws"
}

// wsBaseURL maps an http(s) base to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
