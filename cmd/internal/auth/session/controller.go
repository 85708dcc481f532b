package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/apperr"
	"github.com/esmukingi/NexChat/cmd/internal/credstore"
	"github.com/esmukingi/NexChat/cmd/internal/metrics"
	"github.com/esmukingi/NexChat/cmd/internal/notify"
	"github.com/esmukingi/NexChat/cmd/internal/transport"
	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"

	"golang.org/x/sync/singleflight"
)

// User-facing messages.
const (
	MsgCheckFailed    = "Failed to verify session"
	MsgSessionExpired = "Session expired. Please login again."
	MsgSignupOK       = "Account created successfully"
	MsgSignupFailed   = "Signup failed"
	MsgLoginOK        = "Logged in successfully"
	MsgLoginFailed    = "Login failed"
	MsgLogoutOK       = "Logged out successfully"
	MsgLogoutFailed   = "Logout failed"
	MsgProfileOK      = "Profile updated successfully"
	MsgProfileFailed  = "Failed to update profile"
)

// tokenWriteTimeout bounds a token clear that outlives the caller's ctx.
const tokenWriteTimeout = 5 * time.Second

// State is the session lifecycle state.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateAuthenticated
	StateAnonymous
)

var stateNames = []string{"unknown", "checking", "authenticated", "anonymous"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// Pending are the in-flight flags a UI shows as spinners.
// Every operation clears its flag on every exit path.
type Pending struct {
	Checking        bool
	SigningUp       bool
	LoggingIn       bool
	UpdatingProfile bool
}

// Snapshot is a consistent copy of the session.
type Snapshot struct {
	State   State
	User    *v1.User
	Pending Pending
}

// Backend is the slice of the transport client the controller needs.
type Backend interface {
	SendJSON(ctx context.Context, method, path string, in, out any, opts ...transport.Option) error
}

// Link is the realtime link as seen by the session.
type Link interface {
	Open(identity string)
	Close()
}

// Conversations is the conversation store as seen by the session.
type Conversations interface {
	Reset()
}

// Config wires a Controller. Link, Conversations and Tokens may be nil.
type Config struct {
	Backend Backend

	// Tokens is set in bearer mode only; auth responses must then carry a token.
	Tokens credstore.Store

	Link          Link
	Conversations Conversations
	Notifier      notify.Notifier
	Policy        PasswordPolicy

	Log     *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Controller owns session state. Safe for concurrent use.
type Controller struct {
	backend  Backend
	tokens   credstore.Store
	notifier notify.Notifier
	policy   PasswordPolicy
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	checks singleflight.Group

	// life serializes identity transitions with the link command and token
	// write that follow them. Taken before mu. Conversations.Reset always
	// runs outside it.
	life sync.Mutex

	mu      sync.Mutex
	state   State
	user    *v1.User
	pending Pending
	// epoch advances on every identity transition; results started under an
	// older epoch are not applied.
	epoch uint64
	link  Link
	convs Conversations
}

// New constructs a Controller in StateUnknown.
func New(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.LogNotifier{Log: log}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	policy := cfg.Policy
	if policy == (PasswordPolicy{}) {
		policy = DefaultPasswordPolicy()
	}
	c := &Controller{
		backend:  cfg.Backend,
		tokens:   cfg.Tokens,
		notifier: n,
		policy:   policy,
		log:      log,
		metrics:  cfg.Metrics,
		now:      now,
		link:     cfg.Link,
		convs:    cfg.Conversations,
	}
	c.metrics.SetSessionState(StateUnknown.String(), stateNames...)
	return c
}

// Attach late-binds the link and conversation store (they depend on the controller too).
func (c *Controller) Attach(link Link, convs Conversations) {
	c.mu.Lock()
	c.link = link
	c.convs = convs
	c.mu.Unlock()
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, User: cloneUser(c.user), Pending: c.pending}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// User returns the authenticated user, or nil.
func (c *Controller) User() *v1.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneUser(c.user)
}

// authResponse is the user document plus an optional bearer token.
type authResponse struct {
	v1.User
	Token string `json:"token,omitempty"`
}

// CheckSession verifies the session with the backend.
//
// When already Authenticated it returns the cached user without a request.
// Concurrent callers share one request and one result. A caller whose ctx ends
// early stops waiting; the check itself still completes and is applied.
func (c *Controller) CheckSession(ctx context.Context) (*v1.User, error) {
	c.mu.Lock()
	if c.state == StateAuthenticated {
		u := cloneUser(c.user)
		c.mu.Unlock()
		return u, nil
	}
	c.mu.Unlock()

	ch := c.checks.DoChan("check", func() (any, error) {
		return c.runCheck(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneUser(res.Val.(*v1.User)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) runCheck(ctx context.Context) (*v1.User, error) {
	const op = "session.CheckSession"

	c.mu.Lock()
	if c.state == StateAuthenticated {
		u := cloneUser(c.user)
		c.mu.Unlock()
		return u, nil
	}
	epoch := c.epoch
	c.pending.Checking = true
	c.setStateLocked(StateChecking)
	c.mu.Unlock()

	if c.tokens != nil {
		if removed, err := credstore.PruneExpired(ctx, c.tokens, c.now()); err != nil {
			c.log.Warn("session.token.prune.fail", "err", err)
		} else if removed {
			c.log.Info("session.token.expired_local")
		}
	}

	var resp authResponse
	err := c.backend.SendJSON(ctx, http.MethodGet, transport.PathAuthCheck, nil, &resp)
	if err == nil && !resp.Valid() {
		err = apperr.New(op, apperr.ErrRemote, "session check returned no user")
	}

	c.life.Lock()
	c.mu.Lock()
	c.pending.Checking = false
	if c.epoch != epoch {
		// A login, signup or logout finished while we were waiting; it wins.
		st, u := c.state, cloneUser(c.user)
		c.mu.Unlock()
		c.life.Unlock()
		c.log.Info("session.check.superseded", "state", st.String())
		if st == StateAuthenticated {
			return u, nil
		}
		if err == nil {
			err = apperr.New(op, apperr.ErrAuthRejected, "session ended during check")
		}
		return nil, err
	}

	if err != nil {
		c.user = nil
		c.epoch++
		c.setStateLocked(StateAnonymous)
		link, convs := c.link, c.convs
		c.mu.Unlock()

		closeLink(link)
		unauthorized := apperr.IsUnauthorized(err)
		if unauthorized {
			c.clearToken(ctx)
		}
		c.life.Unlock()
		resetConversations(convs)

		if unauthorized {
			c.metrics.IncSessionCheck("anonymous")
			c.log.Info("session.check.anonymous")
		} else {
			c.metrics.IncSessionCheck("error")
			c.log.Warn("session.check.fail", "err", err)
			c.notifier.Notify(ctx, notify.Error(notify.KindSessionCheckFailed, MsgCheckFailed))
		}
		return nil, err
	}

	u := resp.User
	c.user = &u
	c.setStateLocked(StateAuthenticated)
	link := c.link
	c.mu.Unlock()

	if c.tokens != nil && resp.Token != "" {
		c.saveToken(ctx, resp.Token)
	}
	if link != nil {
		link.Open(u.ID)
	}
	c.life.Unlock()

	c.metrics.IncSessionCheck("ok")
	c.log.Info("session.check.ok", "user_id", u.ID)
	return cloneUser(&u), nil
}

// Signup creates an account and authenticates it.
func (c *Controller) Signup(ctx context.Context, in SignupInput) (*v1.User, error) {
	const op = "session.Signup"

	in = in.normalized()
	if err := in.validate(op, c.policy); err != nil {
		c.notifier.Notify(ctx, notify.Error(notify.KindSignup, apperr.Message(err, MsgSignupFailed)))
		return nil, err
	}

	release, err := c.begin(op, func(p *Pending) *bool { return &p.SigningUp })
	if err != nil {
		return nil, err
	}
	defer release()

	var resp authResponse
	if err := c.backend.SendJSON(ctx, http.MethodPost, transport.PathAuthSignup, in, &resp); err != nil {
		return nil, c.rejectAuth(ctx, op, notify.KindSignup, MsgSignupFailed, err)
	}
	return c.establish(ctx, op, resp, notify.KindSignup, MsgSignupOK, MsgSignupFailed)
}

// Login authenticates with email and password. Exactly one request is made.
func (c *Controller) Login(ctx context.Context, in LoginInput) (*v1.User, error) {
	const op = "session.Login"

	in = in.normalized()
	if err := in.validate(op); err != nil {
		c.notifier.Notify(ctx, notify.Error(notify.KindLogin, apperr.Message(err, MsgLoginFailed)))
		return nil, err
	}

	release, err := c.begin(op, func(p *Pending) *bool { return &p.LoggingIn })
	if err != nil {
		return nil, err
	}
	defer release()

	var resp authResponse
	if err := c.backend.SendJSON(ctx, http.MethodPost, transport.PathAuthLogin, in, &resp); err != nil {
		return nil, c.rejectAuth(ctx, op, notify.KindLogin, MsgLoginFailed, err)
	}
	return c.establish(ctx, op, resp, notify.KindLogin, MsgLoginOK, MsgLoginFailed)
}

// Logout always calls the backend and always ends the local session,
// even when the remote call fails.
func (c *Controller) Logout(ctx context.Context) error {
	// Auth-exempt: a 401 here already means "logged out" and must not add a
	// second, session-expired notification.
	err := c.backend.SendJSON(ctx, http.MethodPost, transport.PathAuthLogout, nil, nil, transport.AuthExempt())

	c.teardown(ctx)

	if err != nil {
		c.log.Warn("session.logout.remote.fail", "err", err)
		c.notifier.Notify(ctx, notify.Error(notify.KindLogout, apperr.Message(err, MsgLogoutFailed)))
		return err
	}
	c.log.Info("session.logout.ok")
	c.notifier.Notify(ctx, notify.Success(notify.KindLogout, MsgLogoutOK))
	return nil
}

// HandleUnauthorized ends an Authenticated session after the backend rejected
// its credential. In any other state it does nothing, so repeated 401s
// produce a single teardown and a single notification.
func (c *Controller) HandleUnauthorized(ctx context.Context) {
	c.life.Lock()
	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		c.life.Unlock()
		return
	}
	uid := ""
	if c.user != nil {
		uid = c.user.ID
	}
	c.user = nil
	c.epoch++
	c.setStateLocked(StateAnonymous)
	link, convs := c.link, c.convs
	c.mu.Unlock()

	closeLink(link)
	c.clearToken(ctx)
	c.life.Unlock()
	resetConversations(convs)

	c.log.Info("session.unauthorized", "user_id", uid)
	c.notifier.Notify(ctx, notify.Error(notify.KindSessionExpired, MsgSessionExpired))
}

// RefreshCredential re-validates the credential without changing state on
// success. The realtime link calls it once after an authorization failure.
func (c *Controller) RefreshCredential(ctx context.Context) error {
	const op = "session.RefreshCredential"

	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return apperr.New(op, apperr.ErrSessionExpired, "not authenticated")
	}
	epoch := c.epoch
	c.mu.Unlock()

	var resp authResponse
	if err := c.backend.SendJSON(ctx, http.MethodGet, transport.PathAuthCheck, nil, &resp); err != nil {
		c.log.Info("session.refresh.fail", "err", err)
		return err
	}
	if !resp.Valid() {
		return apperr.New(op, apperr.ErrRemote, "session check returned no user")
	}

	c.life.Lock()
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateAuthenticated {
		c.mu.Unlock()
		c.life.Unlock()
		return apperr.New(op, apperr.ErrSessionExpired, "session changed during refresh")
	}
	u := resp.User
	c.user = &u
	c.mu.Unlock()

	if c.tokens != nil && resp.Token != "" {
		c.saveToken(ctx, resp.Token)
	}
	c.life.Unlock()
	c.log.Info("session.refresh.ok", "user_id", u.ID)
	return nil
}

// UpdateProfile changes the profile picture of the authenticated user.
func (c *Controller) UpdateProfile(ctx context.Context, in ProfileUpdate) (*v1.User, error) {
	const op = "session.UpdateProfile"

	if err := in.validate(op); err != nil {
		c.notifier.Notify(ctx, notify.Error(notify.KindProfile, apperr.Message(err, MsgProfileFailed)))
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return nil, apperr.New(op, apperr.ErrSessionExpired, "not authenticated")
	}
	c.mu.Unlock()

	release, err := c.begin(op, func(p *Pending) *bool { return &p.UpdatingProfile })
	if err != nil {
		return nil, err
	}
	defer release()

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	var u v1.User
	if err := c.backend.SendJSON(ctx, http.MethodPut, transport.PathUpdateProfile, in, &u); err != nil {
		if !apperr.IsSessionExpired(err) {
			c.notifier.Notify(ctx, notify.Error(notify.KindProfile, apperr.Message(err, MsgProfileFailed)))
		}
		return nil, err
	}

	c.mu.Lock()
	if c.epoch == epoch && c.state == StateAuthenticated && u.Valid() {
		c.user = &u
	}
	c.mu.Unlock()

	c.log.Info("session.profile.ok", "user_id", u.ID)
	c.notifier.Notify(ctx, notify.Success(notify.KindProfile, MsgProfileOK))
	return cloneUser(&u), nil
}

// establish applies a successful login/signup response.
func (c *Controller) establish(ctx context.Context, op string, resp authResponse, kind notify.Kind, okMsg, failMsg string) (*v1.User, error) {
	if !resp.Valid() {
		err := apperr.New(op, apperr.ErrRemote, "")
		c.notifier.Notify(ctx, notify.Error(kind, failMsg))
		return nil, err
	}
	if c.tokens != nil && resp.Token == "" {
		err := apperr.New(op, apperr.ErrRemote, "response carried no token")
		c.notifier.Notify(ctx, notify.Error(kind, failMsg))
		return nil, err
	}

	u := resp.User

	c.mu.Lock()
	switching := c.user != nil && c.user.ID != u.ID
	convs := c.convs
	c.mu.Unlock()
	if switching {
		resetConversations(convs)
	}

	// State, stored token and link change together: a teardown either
	// finishes before this block or starts after the link is open.
	c.life.Lock()
	if c.tokens != nil {
		if err := c.tokens.Save(ctx, resp.Token); err != nil {
			c.life.Unlock()
			c.log.Error("session.token.save.fail", "err", err)
			c.notifier.Notify(ctx, notify.Error(kind, failMsg))
			return nil, apperr.Wrap(op, apperr.ErrRemote, err)
		}
	}
	c.mu.Lock()
	c.user = &u
	c.epoch++
	c.setStateLocked(StateAuthenticated)
	link := c.link
	c.mu.Unlock()
	if link != nil {
		link.Open(u.ID)
	}
	c.life.Unlock()

	c.log.Info(strings.ToLower(op)+".ok", "user_id", u.ID)
	c.notifier.Notify(ctx, notify.Success(kind, okMsg))
	return cloneUser(&u), nil
}

// rejectAuth reports a failed login/signup. Prior session state is untouched.
func (c *Controller) rejectAuth(ctx context.Context, op string, kind notify.Kind, fallback string, err error) error {
	c.log.Info(strings.ToLower(op)+".fail", "err", err)
	c.notifier.Notify(ctx, notify.Error(kind, apperr.Message(err, fallback)))

	var e *apperr.Error
	if errors.As(err, &e) && e.Status >= 400 && e.Status < 500 {
		return &apperr.Error{Op: op, Kind: apperr.ErrAuthRejected, Status: e.Status, Code: e.Code, Msg: e.Msg, Err: err}
	}
	return err
}

// begin sets one pending flag and returns the func that clears it.
func (c *Controller) begin(op string, flag func(*Pending) *bool) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := flag(&c.pending)
	if *f {
		return nil, apperr.New(op, apperr.ErrInProgress, "already in progress")
	}
	*f = true
	return func() {
		c.mu.Lock()
		*flag(&c.pending) = false
		c.mu.Unlock()
	}, nil
}

// teardown ends the local session unconditionally.
func (c *Controller) teardown(ctx context.Context) {
	c.life.Lock()
	c.mu.Lock()
	c.user = nil
	c.epoch++
	c.setStateLocked(StateAnonymous)
	link, convs := c.link, c.convs
	c.mu.Unlock()

	closeLink(link)
	c.clearToken(ctx)
	c.life.Unlock()
	resetConversations(convs)
}

func closeLink(link Link) {
	if link != nil {
		link.Close()
	}
}

func resetConversations(convs Conversations) {
	if convs != nil {
		convs.Reset()
	}
}

func (c *Controller) saveToken(ctx context.Context, tok string) {
	if err := c.tokens.Save(ctx, tok); err != nil {
		c.log.Error("session.token.save.fail", "err", err)
	}
}

// clearToken runs detached from ctx so a cancelled logout still forgets the token.
func (c *Controller) clearToken(ctx context.Context) {
	if c.tokens == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenWriteTimeout)
	defer cancel()
	if err := c.tokens.Clear(ctx); err != nil {
		c.log.Error("session.token.clear.fail", "err", err)
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("session.state", "from", c.state.String(), "to", s.String())
	c.state = s
	c.metrics.SetSessionState(s.String(), stateNames...)
}

func cloneUser(u *v1.User) *v1.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}
