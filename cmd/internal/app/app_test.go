package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/apperr"
	"github.com/esmukingi/NexChat/cmd/internal/auth/session"
	"github.com/esmukingi/NexChat/cmd/internal/notify"
	"github.com/esmukingi/NexChat/cmd/internal/realtime"
	"github.com/esmukingi/NexChat/cmd/security/seal"
	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:9100", want: "http://127.0.0.1:9100"},
		{name: "bind all v4", in: "0.0.0.0:9100", want: "http://127.0.0.1:9100"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
		{name: "port only", in: ":9100", want: "http://127.0.0.1:9100"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRealtimeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		api, ws string
		want    string
	}{
		{api: "http://127.0.0.1:5001/api", want: "ws://127.0.0.1:5001/ws"},
		{api: "https://nex.example.com/api", want: "wss://nex.example.com/ws"},
		{api: "https://nex.example.com/api", ws: "wss://rt.example.com/socket", want: "wss://rt.example.com/socket"},
	}

	for _, tc := range cases {
		got := Config{APIBaseURL: tc.api, WSURL: tc.ws}.RealtimeURL()
		if got != tc.want {
			t.Fatalf("RealtimeURL(api=%q ws=%q)=%q want=%q", tc.api, tc.ws, got, tc.want)
		}
	}
	if got := wsBaseURL("127.0.0.1:8080"); got != "ws://127.0.0.1:8080" {
		t.Fatalf("wsBaseURL bare host=%q", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfigFrom(map[string]string{})
	require.NoError(t, err)

	require.Equal(t, "http://localhost:5001/api", cfg.APIBaseURL)
	require.Equal(t, "cookie", string(cfg.Mode()))
	require.Equal(t, 15*time.Second, cfg.HTTPTimeout)

	p := cfg.LinkPolicy()
	require.Equal(t, 500*time.Millisecond, p.BaseDelay)
	require.Equal(t, 30*time.Second, p.MaxDelay)
	require.Equal(t, 5, p.MaxAttempts)
	require.InDelta(t, 0.2, p.Jitter, 1e-9)
	require.Empty(t, cfg.OpsAddr)
	require.Empty(t, cfg.CredentialDB)
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := loadConfigFrom(map[string]string{
		"NEX_API_BASE_URL":      "https://nex.example.com/api",
		"NEX_CREDENTIAL_MODE":   "Bearer",
		"NEX_LINK_MAX_ATTEMPTS": "8",
		"NEX_LINK_BASE_DELAY":   "1s",
		"NEX_LINK_MAX_DELAY":    "1m",
		"NEX_LOG_FORMAT":        "pretty",
	})
	require.NoError(t, err)
	require.Equal(t, "bearer", string(cfg.Mode()))
	require.Equal(t, 8, cfg.LinkPolicy().MaxAttempts)
	require.Equal(t, "wss://nex.example.com/ws", cfg.RealtimeURL())
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"relative url":   {"NEX_API_BASE_URL": "/api"},
		"unknown mode":   {"NEX_CREDENTIAL_MODE": "both"},
		"zero attempts":  {"NEX_LINK_MAX_ATTEMPTS": "0"},
		"jitter":         {"NEX_LINK_JITTER": "1.5"},
		"delays swapped": {"NEX_LINK_BASE_DELAY": "10s", "NEX_LINK_MAX_DELAY": "1s"},
		"log format":     {"NEX_LOG_FORMAT": "xml"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfigFrom(vars)
			require.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}

	_, err := loadConfigFrom(map[string]string{"NEX_HTTP_TIMEOUT": "soon"})
	require.Error(t, err)
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Setenv(seal.KeyEnv, "")
	s, err := ValidateSecurityConfig(Config{})
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = ValidateSecurityConfig(Config{RequireSealedToken: true, CredentialDB: "x.db"})
	require.ErrorContains(t, err, "NEX_TOKEN_SEAL_KEY is missing")

	t.Setenv(seal.KeyEnv, "short")
	_, err = ValidateSecurityConfig(Config{})
	require.ErrorContains(t, err, "too short")

	t.Setenv(seal.KeyEnv, strings.Repeat("k", 32))
	s, err = ValidateSecurityConfig(Config{RequireSealedToken: true, CredentialDB: "x.db"})
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = ValidateSecurityConfig(Config{RequireSealedToken: true})
	require.ErrorContains(t, err, "NEX_CREDENTIAL_DB")
}

// fakeService is a cookie-mode backend: REST under /api and the event
// stream under /ws, both gated on the jwt cookie.
type fakeService struct {
	t *testing.T
}

const sessionCookie = "jwt"

func (f *fakeService) handler() http.Handler {
	me := v1.User{ID: "u1", FullName: "Ann", Email: "ann@example.com"}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "signed", Path: "/", HttpOnly: true})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(me)
	})
	mux.HandleFunc("GET /api/auth/check", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(sessionCookie); err != nil || c.Value != "signed" {
			http.Error(w, `{"message":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(me)
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(sessionCookie); err != nil || c.Value != "signed" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx := r.Context()
		var hello v1.Envelope
		if err := wsjson.Read(ctx, conn, &hello); err != nil || hello.Type != v1.TypeHello {
			return
		}
		now := time.Now().UTC()
		for _, step := range []struct {
			typ     string
			payload any
		}{
			{v1.TypeHelloAck, v1.HelloAckPayload{SessionID: "s1"}},
			{v1.TypePresenceUpdate, v1.PresenceUpdatePayload{UserIDs: []string{"u1", "u2"}}},
		} {
			env, _ := v1.NewEnvelope(step.typ, "srv", now, step.payload)
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	return mux
}

func newTestApp(t *testing.T) (*App, *notify.Recorder) {
	t.Helper()
	return newTestAppWith(t, nil)
}

func newTestAppWith(t *testing.T, env map[string]string, opts ...Option) (*App, *notify.Recorder) {
	t.Helper()

	srv := httptest.NewServer((&fakeService{t: t}).handler())
	t.Cleanup(srv.Close)

	t.Setenv(seal.KeyEnv, "")
	vars := map[string]string{
		"NEX_API_BASE_URL":            srv.URL + "/api",
		"NEX_LINK_BASE_DELAY":         "5ms",
		"NEX_LINK_MAX_DELAY":          "20ms",
		"NEX_LINK_HEARTBEAT_INTERVAL": "1h",
	}
	for k, v := range env {
		vars[k] = v
	}
	cfg, err := loadConfigFrom(vars)
	require.NoError(t, err)

	rec := &notify.Recorder{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log, append([]Option{WithNotifier(rec)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestApp_LoginBringsLinkUpAndReady(t *testing.T) {
	a, rec := newTestApp(t)

	mux := http.NewServeMux()
	registerHTTP(mux, a)

	require.Equal(t, http.StatusOK, get(t, mux, "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, mux, "/readyz").Code)

	ctx := context.Background()
	_, err := a.Session.CheckSession(ctx)
	require.Error(t, err)
	require.Equal(t, session.StateAnonymous, a.Session.State())
	require.Zero(t, rec.Count(notify.KindSessionCheckFailed), "a 401 check is silent")

	u, err := a.Session.Login(ctx, session.LoginInput{Email: "ann@example.com", Password: "secret1"})
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)

	require.Eventually(t, func() bool {
		return a.Link.State() == realtime.Connected && len(a.Link.Presence()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	rr := get(t, mux, "/readyz")
	require.Equal(t, http.StatusOK, rr.Code)
	var body readiness
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, readiness{Session: "authenticated", Link: "connected", Presence: 2}, body)

	metrics := get(t, mux, "/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	require.Contains(t, metrics.Body.String(), "nex_transport_requests_total")
	require.Contains(t, metrics.Body.String(), `nex_realtime_link_state{state="connected"} 1`)

	require.Equal(t, "jwt=signed", a.Transport.CredentialHeader(ctx).Get("Cookie"))
	require.Empty(t, a.Transport.CredentialHeader(ctx).Get("Authorization"))
	require.Equal(t, 1, rec.Count(notify.KindLogin))
}

func TestApp_ReadyzReportsLinkFailure(t *testing.T) {
	refused := realtime.DialerFunc(func(context.Context, string) (realtime.Conn, error) {
		return nil, errors.New("connection refused")
	})
	a, rec := newTestAppWith(t, map[string]string{"NEX_LINK_MAX_ATTEMPTS": "2"}, WithDialer(refused))

	mux := http.NewServeMux()
	registerHTTP(mux, a)

	_, err := a.Session.Login(context.Background(), session.LoginInput{Email: "ann@example.com", Password: "secret1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.Count(notify.KindLinkFailure) == 1 }, 3*time.Second, 5*time.Millisecond)
	require.True(t, apperr.IsLinkFailure(a.Link.Err()))

	rr := get(t, mux, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body readiness
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, "authenticated", body.Session)
	require.Equal(t, "disconnected", body.Link)
	require.Contains(t, body.LinkError, "link_failure")
	require.Contains(t, body.LinkError, "connection refused")
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a, _ := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))
	require.Equal(t, realtime.Disconnected, a.Link.State())
}
