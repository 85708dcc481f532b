// Package app wires the Nex client engine: config, logging, the credential
// store, the transport client, the session controller, the realtime link and
// the conversation store, plus an optional ops HTTP listener.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/auth/session"
	"github.com/esmukingi/NexChat/cmd/internal/chat"
	"github.com/esmukingi/NexChat/cmd/internal/credstore"
	"github.com/esmukingi/NexChat/cmd/internal/metrics"
	"github.com/esmukingi/NexChat/cmd/internal/notify"
	"github.com/esmukingi/NexChat/cmd/internal/realtime"
	"github.com/esmukingi/NexChat/cmd/internal/transport"
	"github.com/esmukingi/NexChat/cmd/security/seal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the wired engine. Its components are exported for the CLI.
type App struct {
	cfg Config
	log Logger

	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Tokens    credstore.Store
	Transport *transport.Client
	Session   *session.Controller
	Link      *realtime.Manager
	Chat      *chat.Store

	closeTokens func() error
	closeOnce   sync.Once
	closeErr    error
}

// Option customizes New.
type Option func(*options)

type options struct {
	notifier notify.Notifier
	dialer   realtime.Dialer
}

// WithNotifier routes user-facing notifications (default: the logger).
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d realtime.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.notifier == nil {
		o.notifier = notify.LogNotifier{Log: log}
	}

	sealer, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tokens, closeTokens, err := newTokenStore(ctx, cfg, sealer, log)
	if err != nil {
		return nil, err
	}

	mode := cfg.Mode()
	tc, err := transport.New(transport.Config{
		BaseURL: cfg.APIBaseURL,
		Mode:    mode,
		Timeout: cfg.HTTPTimeout,
		Tokens:  tokens,
		Log:     log,
		Metrics: m,
	})
	if err != nil {
		_ = closeTokens()
		return nil, err
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = &realtime.WSDialer{
			URL:         cfg.RealtimeURL(),
			Credentials: tc.CredentialHeader,
		}
	}
	link := realtime.New(realtime.Config{
		Dialer:            dialer,
		Policy:            cfg.LinkPolicy(),
		HandshakeTimeout:  cfg.LinkHandshakeTimeout,
		HeartbeatInterval: cfg.LinkHeartbeatInterval,
		MinStable:         cfg.LinkMinStable,
		Notifier:          o.notifier,
		Log:               log,
		Metrics:           m,
	})

	convs := chat.New(chat.Config{
		Backend:  tc,
		Notifier: o.notifier,
		Log:      log,
		Metrics:  m,
	})

	sessCfg := session.Config{
		Backend:       tc,
		Link:          link,
		Conversations: convs,
		Notifier:      o.notifier,
		Log:           log,
		Metrics:       m,
	}
	if mode == transport.CredentialBearer {
		sessCfg.Tokens = tokens
	}
	ctrl := session.New(sessCfg)

	link.Bind(convs, ctrl, ctrl.HandleUnauthorized)
	tc.OnUnauthorized(ctrl.HandleUnauthorized)

	log.Info("app.ready",
		"api", cfg.APIBaseURL,
		"ws", cfg.RealtimeURL(),
		"mode", string(mode),
		"sealed", sealer != nil,
		"persistent", cfg.CredentialDB != "",
	)

	return &App{
		cfg:         cfg,
		log:         log,
		Registry:    reg,
		Metrics:     m,
		Tokens:      tokens,
		Transport:   tc,
		Session:     ctrl,
		Link:        link,
		Chat:        convs,
		closeTokens: closeTokens,
	}, nil
}

// Close stops the link and releases the credential store. Idempotent.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.Link.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.closeTokens(); err != nil {
			errs = append(errs, err)
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Run checks the session, serves the ops listener if configured, and blocks
// until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Session.CheckSession(ctx); err != nil {
		a.log.Info("app.session.anonymous", "err", err)
	}

	if a.cfg.OpsAddr == "" {
		<-ctx.Done()
		return a.shutdown()
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.OpsAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
	}

	a.log.Info("ops.start", "addr", a.cfg.OpsAddr, "url", runtimeBaseURL(a.cfg.OpsAddr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("ops.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("ops.fail", "err", err)
		_ = a.shutdown()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("ops.shutdown.fail", "err", err)
	}
	return a.shutdown()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.log.Error("app.close.fail", "err", err)
		return err
	}
	a.log.Info("app.stopped")
	return nil
}

func newTokenStore(ctx context.Context, cfg Config, sealer *seal.Sealer, log Logger) (credstore.Store, func() error, error) {
	if cfg.CredentialDB == "" {
		log.Info("credstore.memory")
		return credstore.NewMemoryStore(), func() error { return nil }, nil
	}
	var opts []credstore.SQLiteOption
	if sealer != nil {
		opts = append(opts, credstore.WithSealer(sealer))
	}
	st, err := credstore.OpenSQLite(ctx, cfg.CredentialDB, opts...)
	if err != nil {
		return nil, nil, err
	}
	log.Info("credstore.sqlite", "path", cfg.CredentialDB)
	return st, st.Close, nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
