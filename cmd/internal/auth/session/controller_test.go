package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/apperr"
	"github.com/esmukingi/NexChat/cmd/internal/credstore"
	"github.com/esmukingi/NexChat/cmd/internal/notify"
	"github.com/esmukingi/NexChat/cmd/internal/transport"
	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	mu     sync.Mutex
	opens  []string
	closes int
	ops    []string

	// onOpen runs inside Open, before it returns.
	onOpen func(identity string)
}

func (l *fakeLink) Open(identity string) {
	l.mu.Lock()
	l.opens = append(l.opens, identity)
	l.ops = append(l.ops, "open:"+identity)
	hook := l.onOpen
	l.mu.Unlock()
	if hook != nil {
		hook(identity)
	}
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closes++
	l.ops = append(l.ops, "close")
	l.mu.Unlock()
}

func (l *fakeLink) history() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *fakeLink) counts() ([]string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.opens...), l.closes
}

type fakeConvs struct {
	resets  atomic.Int32
	onReset func()
}

func (f *fakeConvs) Reset() {
	f.resets.Add(1)
	if f.onReset != nil {
		f.onReset()
	}
}

type harness struct {
	ctrl   *Controller
	client *transport.Client
	link   *fakeLink
	convs  *fakeConvs
	rec    *notify.Recorder
	tokens credstore.Store
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, h http.Handler, bearer bool) *harness {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := transport.Config{BaseURL: srv.URL + "/api", Mode: transport.CredentialCookie, Log: quietLog()}
	var tokens credstore.Store
	if bearer {
		tokens = credstore.NewMemoryStore()
		cfg.Mode = transport.CredentialBearer
		cfg.Tokens = tokens
	}
	client, err := transport.New(cfg)
	require.NoError(t, err)

	hs := &harness{client: client, link: &fakeLink{}, convs: &fakeConvs{}, rec: &notify.Recorder{}, tokens: tokens}
	hs.ctrl = New(Config{
		Backend:       client,
		Tokens:        tokens,
		Link:          hs.link,
		Conversations: hs.convs,
		Notifier:      hs.rec,
		Log:           quietLog(),
	})
	client.OnUnauthorized(hs.ctrl.HandleUnauthorized)
	return hs
}

func userU1() v1.User { return v1.User{ID: "u1", FullName: "User One", Email: "u1@example.com"} }

func TestCheckSession_ConcurrentCallsShareOneRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/check", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(w, http.StatusOK, userU1())
	})
	hs := newHarness(t, mux, false)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*v1.User, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = hs.ctrl.CheckSession(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, hs.ctrl.Snapshot().Pending.Checking)
	require.Equal(t, StateChecking, hs.ctrl.State())
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), hits.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, "u1", results[i].ID)
	}

	snap := hs.ctrl.Snapshot()
	require.Equal(t, StateAuthenticated, snap.State)
	require.False(t, snap.Pending.Checking)

	opens, _ := hs.link.counts()
	require.Equal(t, []string{"u1"}, opens)

	// Re-check while authenticated is answered from cache.
	u, err := hs.ctrl.CheckSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, int32(1), hits.Load())
}

func TestCheckSession_Failures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		status     int
		wantNotify int
	}{
		{name: "401 is silent", status: http.StatusUnauthorized, wantNotify: 0},
		{name: "500 is reported", status: http.StatusInternalServerError, wantNotify: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/auth/check", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tc.status, map[string]string{"message": "nope"})
			})
			hs := newHarness(t, mux, false)

			u, err := hs.ctrl.CheckSession(context.Background())
			require.Error(t, err)
			require.Nil(t, u)

			snap := hs.ctrl.Snapshot()
			require.Equal(t, StateAnonymous, snap.State)
			require.False(t, snap.Pending.Checking)

			_, closes := hs.link.counts()
			require.Equal(t, 1, closes)
			require.Equal(t, tc.wantNotify, hs.rec.Count(notify.KindSessionCheckFailed))
			require.Zero(t, hs.rec.Count(notify.KindSessionExpired))
		})
	}
}

func TestCheckSession_CallerCancelDoesNotAbortCheck(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/check", func(w http.ResponseWriter, _ *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, userU1())
	})
	hs := newHarness(t, mux, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := hs.ctrl.CheckSession(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return hs.ctrl.State() == StateChecking }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return hs.ctrl.State() == StateAuthenticated }, time.Second, time.Millisecond)
	require.False(t, hs.ctrl.Snapshot().Pending.Checking)
}

func TestLogin_Scenario(t *testing.T) {
	t.Parallel()

	var body LoginInput
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, userU1())
	})
	hs := newHarness(t, mux, false)

	u, err := hs.ctrl.Login(context.Background(), LoginInput{Email: "  U1@Example.com ", Password: "secret1"})
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, "u1@example.com", body.Email)

	snap := hs.ctrl.Snapshot()
	require.Equal(t, StateAuthenticated, snap.State)
	require.Equal(t, "u1", snap.User.ID)
	require.Equal(t, Pending{}, snap.Pending)

	opens, _ := hs.link.counts()
	require.Equal(t, []string{"u1"}, opens)

	all := hs.rec.All()
	require.Len(t, all, 1)
	require.Equal(t, notify.Success(notify.KindLogin, MsgLoginOK), all[0])
}

func TestLogin_RejectedKeepsPriorState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  int
		body    any
		wantMsg string
	}{
		{name: "backend message", status: http.StatusBadRequest, body: map[string]string{"message": "Invalid credentials"}, wantMsg: "Invalid credentials"},
		{name: "exempt 401", status: http.StatusUnauthorized, body: map[string]string{"message": "Invalid credentials"}, wantMsg: "Invalid credentials"},
		{name: "fallback", status: http.StatusBadRequest, body: map[string]string{}, wantMsg: MsgLoginFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tc.status, tc.body)
			})
			hs := newHarness(t, mux, false)

			_, err := hs.ctrl.Login(context.Background(), LoginInput{Email: "u1@example.com", Password: "wrong-pass"})
			require.ErrorIs(t, err, apperr.ErrAuthRejected)

			snap := hs.ctrl.Snapshot()
			require.Equal(t, StateUnknown, snap.State)
			require.Equal(t, Pending{}, snap.Pending)

			all := hs.rec.All()
			require.Len(t, all, 1)
			require.Equal(t, notify.Error(notify.KindLogin, tc.wantMsg), all[0])
			require.Zero(t, hs.rec.Count(notify.KindSessionExpired))

			opens, closes := hs.link.counts()
			require.Empty(t, opens)
			require.Zero(t, closes)
		})
	}
}

func TestSignup_ValidationMakesNoRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	hs := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, userU1())
	}), false)

	cases := []struct {
		in      SignupInput
		wantMsg string
	}{
		{in: SignupInput{Email: "a@b.co", Password: "secret1"}, wantMsg: "Full name is required"},
		{in: SignupInput{FullName: "A", Password: "secret1"}, wantMsg: "Email is required"},
		{in: SignupInput{FullName: "A", Email: "not-an-email", Password: "secret1"}, wantMsg: "Invalid email format"},
		{in: SignupInput{FullName: "A", Email: "a@b.co", Password: "12345"}, wantMsg: "Password must be at least 6 characters"},
	}
	for _, tc := range cases {
		_, err := hs.ctrl.Signup(context.Background(), tc.in)
		require.True(t, apperr.IsValidation(err))
		require.Equal(t, tc.wantMsg, apperr.Message(err, ""))
	}
	require.Zero(t, hits.Load())
	require.Equal(t, len(cases), hs.rec.Count(notify.KindSignup))
	require.Equal(t, Pending{}, hs.ctrl.Snapshot().Pending)
}

func TestSignup_Success(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/signup", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusCreated, userU1())
	})
	hs := newHarness(t, mux, false)

	u, err := hs.ctrl.Signup(context.Background(), SignupInput{FullName: "User One", Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, StateAuthenticated, hs.ctrl.State())
	require.Equal(t, 1, hs.rec.Count(notify.KindSignup))
	require.Equal(t, notify.LevelSuccess, hs.rec.All()[0].Level)
}

func TestHandleUnauthorized_TwiceNotifiesOnce(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, userU1())
	})
	mux.HandleFunc("GET /api/messages/users", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized - Invalid Token"})
	})
	hs := newHarness(t, mux, false)

	ctx := context.Background()
	_, err := hs.ctrl.Login(ctx, LoginInput{Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)
	hs.rec.Drain()

	hs.ctrl.HandleUnauthorized(ctx)
	hs.ctrl.HandleUnauthorized(ctx)

	// A non-exempt 401 after teardown goes through the transport hook and is also a no-op.
	err = hs.client.SendJSON(ctx, http.MethodGet, transport.PathUsers, nil, nil)
	require.True(t, apperr.IsSessionExpired(err))

	require.Equal(t, StateAnonymous, hs.ctrl.State())
	require.Nil(t, hs.ctrl.User())
	require.Equal(t, 1, hs.rec.Count(notify.KindSessionExpired))
	require.Len(t, hs.rec.All(), 1)
	_, closes := hs.link.counts()
	require.Equal(t, 1, closes)
	require.Equal(t, int32(1), hs.convs.resets.Load())
}

func TestHandleUnauthorized_ViaTransport(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/check", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, userU1())
	})
	mux.HandleFunc("GET /api/messages/u2", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "expired"})
	})
	hs := newHarness(t, mux, false)

	ctx := context.Background()
	_, err := hs.ctrl.CheckSession(ctx)
	require.NoError(t, err)

	err = hs.client.SendJSON(ctx, http.MethodGet, transport.PathHistory("u2"), nil, nil)
	require.True(t, apperr.IsSessionExpired(err))
	require.Equal(t, StateAnonymous, hs.ctrl.State())
	require.Equal(t, 1, hs.rec.Count(notify.KindSessionExpired))
}

func TestLogout_NetworkFailureStillTearsDown(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, userU1())
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("hijack unsupported")
		}
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	})
	hs := newHarness(t, mux, false)

	ctx := context.Background()
	_, err := hs.ctrl.Login(ctx, LoginInput{Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)
	hs.rec.Drain()

	err = hs.ctrl.Logout(ctx)
	require.True(t, apperr.IsNetwork(err))
	require.Equal(t, StateAnonymous, hs.ctrl.State())
	require.Nil(t, hs.ctrl.User())

	_, closes := hs.link.counts()
	require.Equal(t, 1, closes)

	all := hs.rec.All()
	require.Len(t, all, 1)
	require.Equal(t, notify.KindLogout, all[0].Kind)
	require.Equal(t, notify.LevelError, all[0].Level)
}

func TestLogout_Success401IsNotSessionExpiry(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, userU1())
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
	})
	hs := newHarness(t, mux, false)

	ctx := context.Background()
	_, err := hs.ctrl.Login(ctx, LoginInput{Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)
	hs.rec.Drain()

	require.Error(t, hs.ctrl.Logout(ctx))
	require.Equal(t, StateAnonymous, hs.ctrl.State())
	require.Zero(t, hs.rec.Count(notify.KindSessionExpired))
	require.Equal(t, 1, hs.rec.Count(notify.KindLogout))
}

func signedJWT(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: sub, ExpiresAt: jwt.NewNumericDate(exp)})
	s, err := tok.SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func TestBearerMode_TokenLifecycle(t *testing.T) {
	t.Parallel()

	fresh := signedJWT(t, "u1", time.Now().Add(time.Hour))
	var checkAuth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"_id": "u1", "fullName": "User One", "token": fresh})
	})
	mux.HandleFunc("GET /api/auth/check", func(w http.ResponseWriter, r *http.Request) {
		checkAuth.Store(r.Header.Get("Authorization"))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "no token"})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
	})
	hs := newHarness(t, mux, true)
	ctx := context.Background()

	// An expired stored token is dropped before the check goes out.
	require.NoError(t, hs.tokens.Save(ctx, signedJWT(t, "u1", time.Now().Add(-time.Minute))))
	_, err := hs.ctrl.CheckSession(ctx)
	require.Error(t, err)
	require.Equal(t, "", checkAuth.Load())
	_, err = hs.tokens.Load(ctx)
	require.ErrorIs(t, err, credstore.ErrNoToken)

	_, err = hs.ctrl.Login(ctx, LoginInput{Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)
	got, err := hs.tokens.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, fresh, got)

	require.NoError(t, hs.ctrl.Logout(ctx))
	_, err = hs.tokens.Load(ctx)
	require.ErrorIs(t, err, credstore.ErrNoToken)
}

func TestBearerMode_MissingTokenFailsLogin(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, userU1())
	})
	hs := newHarness(t, mux, true)

	_, err := hs.ctrl.Login(context.Background(), LoginInput{Email: "u1@example.com", Password: "secret1"})
	require.ErrorIs(t, err, apperr.ErrRemote)
	require.Equal(t, StateUnknown, hs.ctrl.State())
	require.Equal(t, notify.Error(notify.KindLogin, MsgLoginFailed), hs.rec.All()[0])
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, userU1())
	})
	mux.HandleFunc("PUT /api/auth/update-profile", func(w http.ResponseWriter, r *http.Request) {
		var in ProfileUpdate
		_ = json.NewDecoder(r.Body).Decode(&in)
		u := userU1()
		u.ProfilePic = in.ProfilePic
		writeJSON(w, http.StatusOK, u)
	})
	hs := newHarness(t, mux, false)
	ctx := context.Background()

	_, err := hs.ctrl.UpdateProfile(ctx, ProfileUpdate{ProfilePic: "https://cdn/p.png"})
	require.ErrorIs(t, err, apperr.ErrSessionExpired)

	_, err = hs.ctrl.Login(ctx, LoginInput{Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = hs.ctrl.UpdateProfile(ctx, ProfileUpdate{})
	require.True(t, apperr.IsValidation(err))

	u, err := hs.ctrl.UpdateProfile(ctx, ProfileUpdate{ProfilePic: "https://cdn/p.png"})
	require.NoError(t, err)
	require.Equal(t, "https://cdn/p.png", u.ProfilePic)
	require.Equal(t, "https://cdn/p.png", hs.ctrl.User().ProfilePic)
	require.False(t, hs.ctrl.Snapshot().Pending.UpdatingProfile)
	require.Equal(t, 2, hs.rec.Count(notify.KindProfile))
}

func TestRefreshCredential(t *testing.T) {
	t.Parallel()

	var ok atomic.Bool
	ok.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/auth/check", func(w http.ResponseWriter, _ *http.Request) {
		if ok.Load() {
			writeJSON(w, http.StatusOK, userU1())
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "expired"})
	})
	hs := newHarness(t, mux, false)
	ctx := context.Background()

	require.ErrorIs(t, hs.ctrl.RefreshCredential(ctx), apperr.ErrSessionExpired)

	_, err := hs.ctrl.CheckSession(ctx)
	require.NoError(t, err)
	require.NoError(t, hs.ctrl.RefreshCredential(ctx))

	ok.Store(false)
	err = hs.ctrl.RefreshCredential(ctx)
	require.True(t, apperr.IsUnauthorized(err))
	// Refresh reports; the caller decides whether to tear down.
	require.Equal(t, StateAuthenticated, hs.ctrl.State())
	require.Zero(t, hs.rec.Count(notify.KindSessionExpired))
}

func TestPasswordPolicy(t *testing.T) {
	t.Parallel()

	p := PasswordPolicy{MinLength: 6, MaxLength: 10, RejectVeryWeak: true}
	cases := map[string]string{
		"":            "Password is required",
		"abc":         "Password must be at least 6 characters",
		"abcdefghijk": "Password is too long",
		"aaaaaaa":     "Password is too weak",
		"qwerty":      "Password is too weak",
		"s3cret!":     "",
	}
	for in, want := range cases {
		require.Equal(t, want, p.Check(in), "password %q", in)
	}
}

func loginAs(users map[string]v1.User) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in LoginInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		u, ok := users[in.Email]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func TestHandleUnauthorized_WaitsForLinkOpen(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, userU1())
	})
	hs := newHarness(t, mux, false)

	entered := make(chan struct{})
	release := make(chan struct{})
	hs.link.onOpen = func(string) {
		close(entered)
		<-release
	}

	loginErr := make(chan error, 1)
	go func() {
		_, err := hs.ctrl.Login(context.Background(), LoginInput{Email: "u1@example.com", Password: "secret1"})
		loginErr <- err
	}()
	<-entered

	torn := make(chan struct{})
	go func() {
		defer close(torn)
		hs.ctrl.HandleUnauthorized(context.Background())
	}()

	select {
	case <-torn:
		t.Fatal("teardown finished while the link was still opening")
	case <-time.After(30 * time.Millisecond):
	}
	require.Equal(t, []string{"open:u1"}, hs.link.history())

	close(release)
	require.NoError(t, <-loginErr)
	<-torn

	require.Equal(t, []string{"open:u1", "close"}, hs.link.history())
	require.Equal(t, StateAnonymous, hs.ctrl.State())
	require.Equal(t, 1, hs.rec.Count(notify.KindSessionExpired))
}

func TestLogin_ExpiryDuringIdentitySwitchLeavesLinkInStep(t *testing.T) {
	t.Parallel()

	u2 := v1.User{ID: "u2", FullName: "User Two", Email: "u2@example.com"}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", loginAs(map[string]v1.User{"u1@example.com": userU1(), "u2@example.com": u2}))
	hs := newHarness(t, mux, false)

	ctx := context.Background()
	_, err := hs.ctrl.Login(ctx, LoginInput{Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)
	hs.rec.Drain()

	// The old session's credential is rejected while the switch is underway.
	var fired atomic.Bool
	hs.convs.onReset = func() {
		if fired.CompareAndSwap(false, true) {
			hs.ctrl.HandleUnauthorized(ctx)
		}
	}

	u, err := hs.ctrl.Login(ctx, LoginInput{Email: "u2@example.com", Password: "secret2"})
	require.NoError(t, err)
	require.Equal(t, "u2", u.ID)

	snap := hs.ctrl.Snapshot()
	require.Equal(t, StateAuthenticated, snap.State)
	require.Equal(t, "u2", snap.User.ID)

	ops := hs.link.history()
	require.Equal(t, []string{"open:u1", "close", "open:u2"}, ops)
	require.Equal(t, 1, hs.rec.Count(notify.KindSessionExpired))
	require.Equal(t, 1, hs.rec.Count(notify.KindLogin))
}

func TestLogout_CancelledContextStillClearsStoredToken(t *testing.T) {
	t.Parallel()

	token := signedJWT(t, "u1", time.Now().Add(time.Hour))
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"_id": "u1", "fullName": "User One", "token": token})
	})
	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-blocked:
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store, err := credstore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client, err := transport.New(transport.Config{
		BaseURL: srv.URL + "/api",
		Mode:    transport.CredentialBearer,
		Tokens:  store,
		Log:     quietLog(),
	})
	require.NoError(t, err)
	link := &fakeLink{}
	rec := &notify.Recorder{}
	ctrl := New(Config{Backend: client, Tokens: store, Link: link, Notifier: rec, Log: quietLog()})

	_, err = ctrl.Login(context.Background(), LoginInput{Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, token, got)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, ctrl.Logout(ctx))

	require.Equal(t, StateAnonymous, ctrl.State())
	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, credstore.ErrNoToken)
	_, closes := link.counts()
	require.Equal(t, 1, closes)
}
