// Package realtime owns the client's single realtime link to the backend.
//
// Manager keeps at most one live connection, reconnects under one bounded
// backoff policy, and routes inbound events through a typed channel to a
// single dispatcher goroutine. Every connection belongs to a generation;
// events from a connection whose generation has been superseded by Close or
// a new Open are dropped.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/apperr"
	"github.com/esmukingi/NexChat/cmd/internal/metrics"
	"github.com/esmukingi/NexChat/cmd/internal/notify"
	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"
)

// MsgLinkFailure is shown once when the reconnect policy is exhausted.
const MsgLinkFailure = "Realtime connection lost. Please refresh to reconnect."

// State is the link lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

var stateNames = []string{"disconnected", "connecting", "connected", "reconnecting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// MessageSink receives pushed messages.
type MessageSink interface {
	MergeIncoming(msg v1.Message) bool
}

// CredentialRefresher re-validates the session credential after the stream rejected it.
type CredentialRefresher interface {
	RefreshCredential(ctx context.Context) error
}

// Config configures a Manager.
type Config struct {
	Dialer Dialer
	Policy Policy

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// MinStable is how long a connection must stay up before the attempt
	// counter and backoff reset. A shorter-lived connection is a failed attempt.
	MinStable time.Duration

	Notifier notify.Notifier
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	// OnState observes every transition. It runs with the manager's lock
	// held and must not call back into the Manager.
	OnState func(State)
}

// Manager owns the realtime link. Safe for concurrent use.
type Manager struct {
	dialer   Dialer
	policy   Policy
	hsTO     time.Duration
	hbEvery  time.Duration
	hbTO     time.Duration
	stable   time.Duration
	notifier notify.Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	onState  func(State)

	events chan event
	stop   chan struct{}
	done   chan struct{}
	loops  sync.WaitGroup

	mu             sync.Mutex
	state          State
	identity       string
	gen            uint64
	cancel         context.CancelFunc
	conn           Conn
	presence       map[string]struct{}
	err            error
	sink           MessageSink
	refresher      CredentialRefresher
	onUnauthorized func(ctx context.Context)
	shutdown       bool
}

type eventKind uint8

const (
	evPresence eventKind = iota + 1
	evMessage
)

type event struct {
	gen      uint64
	kind     eventKind
	presence []string
	msg      v1.Message
}

// New constructs a Manager and starts its dispatcher. Call Shutdown to stop it.
func New(cfg Config) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.LogNotifier{Log: log}
	}
	m := &Manager{
		dialer:   cfg.Dialer,
		policy:   cfg.Policy.normalized(),
		hsTO:     nonZero(cfg.HandshakeTimeout, defaultHandshakeTimeout),
		hbEvery:  nonZero(cfg.HeartbeatInterval, heartbeatInterval),
		hbTO:     nonZero(cfg.HeartbeatTimeout, heartbeatTimeout),
		stable:   nonZero(cfg.MinStable, defaultMinStable),
		notifier: n,
		log:      log,
		metrics:  cfg.Metrics,
		onState:  cfg.OnState,
		events:   make(chan event, eventQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.metrics.SetLinkState(Disconnected.String(), stateNames...)
	go m.dispatch()
	return m
}

// Bind late-binds the collaborators that are built after the Manager.
func (m *Manager) Bind(sink MessageSink, refresher CredentialRefresher, onUnauthorized func(ctx context.Context)) {
	m.mu.Lock()
	m.sink = sink
	m.refresher = refresher
	m.onUnauthorized = onUnauthorized
	m.mu.Unlock()
}

// State returns the current link state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity of the current link, or "".
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Presence returns the current presence snapshot, sorted.
func (m *Manager) Presence() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.presence))
	for id := range m.presence {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Err returns the LinkFailure recorded when the reconnect policy was last
// exhausted, or nil. Open and Close clear it.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// IsOnline reports whether id is in the presence snapshot.
func (m *Manager) IsOnline(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.presence[id]
	return ok
}

// Open starts the link for identity. It is a no-op while a link for the same
// identity is connecting, connected or reconnecting; a different identity
// tears the current link down first. Open does not block on the network.
func (m *Manager) Open(identity string) {
	if identity == "" {
		m.log.Warn("realtime.open.reject", "reason", "empty identity")
		return
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	if m.state != Disconnected && m.identity == identity {
		m.mu.Unlock()
		return
	}
	old := m.stopLocked()
	m.presence = nil
	m.err = nil
	m.metrics.SetPresence(0)

	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.identity = identity
	m.setStateLocked(Connecting)
	m.loops.Add(1)
	m.mu.Unlock()

	closeConn(old, "identity changed")
	m.log.Info("realtime.open", "user_id", identity, "gen", gen)
	go m.run(ctx, gen, identity)
}

// Close tears the link down: no further events are delivered, the
// connection is closed and presence is cleared. Safe to call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	wasLive := m.state != Disconnected
	old := m.stopLocked()
	m.presence = nil
	m.err = nil
	m.metrics.SetPresence(0)
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	closeConn(old, "client closed")
	if wasLive {
		m.log.Info("realtime.close")
	}
}

// Shutdown closes the link, waits for its goroutines and stops the dispatcher.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.Close()

	waited := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopLocked invalidates the current generation and returns the live conn for closing.
func (m *Manager) stopLocked() Conn {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	c := m.conn
	m.conn = nil
	m.identity = ""
	return c
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("realtime.state", "from", m.state.String(), "to", s.String())
	m.state = s
	m.metrics.SetLinkState(s.String(), stateNames...)
	if m.onState != nil {
		m.onState(s)
	}
}

// transition applies s only if gen is still current.
func (m *Manager) transition(gen uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.setStateLocked(s)
	return true
}

// run is the connection loop of one generation.
func (m *Manager) run(ctx context.Context, gen uint64, identity string) {
	defer m.loops.Done()

	bo := m.policy.newBackOff()
	failures := 0
	refreshed := false

	for {
		conn, early, err := m.connect(ctx, identity)
		if ctx.Err() != nil {
			closeConn(conn, "superseded")
			return
		}

		if err == nil {
			if !m.adopt(gen, conn) {
				closeConn(conn, "superseded")
				return
			}
			m.metrics.IncDial("ok")
			m.log.Info("realtime.connected", "user_id", identity, "gen", gen)

			up := time.Now()
			err = m.serve(ctx, gen, conn, early)
			lived := time.Since(up)
			m.release(gen, conn)
			closeConn(conn, "reconnecting")
			if ctx.Err() != nil {
				return
			}
			m.log.Info("realtime.dropped", "user_id", identity, "lived_ms", lived.Milliseconds(), "err", err)

			switch {
			case errors.Is(err, ErrUnauthorized):
			case lived >= m.stable:
				// A credential that survived a whole connection earns a fresh refresh.
				failures = 0
				refreshed = false
				bo.Reset()
			default:
				failures++
				m.metrics.IncDial("unstable")
				m.log.Info("realtime.unstable", "user_id", identity, "attempt", failures, "max_attempts", m.policy.MaxAttempts)
				if failures >= m.policy.MaxAttempts {
					m.giveUp(ctx, gen, fmt.Errorf("connection dropped after %s: %w", lived.Round(time.Millisecond), err))
					return
				}
			}
		}

		if errors.Is(err, ErrUnauthorized) {
			m.metrics.IncDial("unauthorized")
			if !refreshed && m.refresh(ctx) {
				refreshed = true
				if !m.transition(gen, Reconnecting) {
					return
				}
				continue
			}
			m.giveUpUnauthorized(ctx, gen)
			return
		}

		if conn == nil {
			failures++
			m.metrics.IncDial("fail")
			m.log.Info("realtime.dial.fail", "user_id", identity, "attempt", failures, "max_attempts", m.policy.MaxAttempts, "err", err)
			if failures >= m.policy.MaxAttempts {
				m.giveUp(ctx, gen, err)
				return
			}
		}

		if !m.transition(gen, Reconnecting) {
			return
		}
		wait := bo.NextBackOff()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connect dials and completes the hello / hello.ack handshake. It returns the
// envelopes that arrived ahead of the ack and must be served first.
func (m *Manager) connect(ctx context.Context, identity string) (Conn, []v1.Envelope, error) {
	hctx, cancel := context.WithTimeout(ctx, m.hsTO)
	defer cancel()

	conn, err := m.dialer.Dial(hctx, identity)
	if err != nil {
		return nil, nil, err
	}

	hello, err := newHello(identity, time.Now().UTC())
	if err != nil {
		closeConn(conn, "handshake failed")
		return nil, nil, err
	}
	if err := conn.Write(hctx, hello); err != nil {
		closeConn(conn, "handshake failed")
		return nil, nil, fmt.Errorf("write hello: %w", err)
	}

	var early []v1.Envelope
	for {
		env, err := conn.Read(hctx)
		if errors.Is(err, ErrMalformed) {
			continue
		}
		if err != nil {
			closeConn(conn, "handshake failed")
			return nil, nil, fmt.Errorf("await hello.ack: %w", err)
		}
		if err := env.Validate(); err != nil {
			m.log.Info("realtime.handshake.invalid", "err", err)
			continue
		}
		switch env.Type {
		case v1.TypeHelloAck:
			return conn, early, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			closeConn(conn, "handshake rejected")
			if p.Code == v1.CodeUnauthorized {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnauthorized, p.Message)
			}
			return nil, nil, fmt.Errorf("handshake rejected: %s: %s", p.Code, p.Message)
		case v1.TypePresenceUpdate, v1.TypeMessageNew:
			if len(early) < maxEarlyEnvelopes {
				early = append(early, env)
			}
		}
	}
}

// adopt records conn as the live connection of gen.
func (m *Manager) adopt(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.conn = conn
	m.setStateLocked(Connected)
	return true
}

func (m *Manager) release(gen uint64, conn Conn) {
	m.mu.Lock()
	if gen == m.gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

// serve reads one connection until it drops. The heartbeat cancels the
// connection after maxPingFailures consecutive failed pings.
func (m *Manager) serve(parent context.Context, gen uint64, conn Conn, early []v1.Envelope) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		m.heartbeat(ctx, cancel, conn)
	}()
	defer func() {
		cancel()
		select {
		case <-hbDone:
		case <-time.After(closeGrace):
		}
	}()

	for {
		var env v1.Envelope
		if len(early) > 0 {
			env, early = early[0], early[1:]
		} else {
			var err error
			env, err = conn.Read(ctx)
			if errors.Is(err, ErrMalformed) {
				m.log.Info("realtime.read.malformed", "err", err)
				continue
			}
			if err != nil {
				return err
			}
		}
		if err := env.Validate(); err != nil {
			m.log.Info("realtime.read.invalid", "err", err)
			continue
		}
		m.metrics.IncEvent(env.Type)

		ev := event{gen: gen}
		switch env.Type {
		case v1.TypePresenceUpdate:
			var p v1.PresenceUpdatePayload
			if err := env.Decode(&p); err != nil {
				m.log.Info("realtime.presence.invalid", "err", err)
				continue
			}
			ev.kind, ev.presence = evPresence, p.UserIDs
		case v1.TypeMessageNew:
			var p v1.MessageNewPayload
			if err := env.Decode(&p); err != nil {
				m.log.Info("realtime.message.invalid", "err", err)
				continue
			}
			ev.kind, ev.msg = evMessage, p.Message
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = env.Decode(&p)
			if p.Code == v1.CodeUnauthorized {
				return fmt.Errorf("%w: %s", ErrUnauthorized, p.Message)
			}
			m.log.Info("realtime.server.error", "code", p.Code, "message", p.Message)
			continue
		default:
			continue
		}

		select {
		case m.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, drop context.CancelFunc, conn Conn) {
	t := time.NewTicker(m.hbEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, m.hbTO)
			err := conn.Ping(pctx)
			pcancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				failures++
				m.log.Info("realtime.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					drop()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// dispatch is the single consumer of inbound events.
func (m *Manager) dispatch() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	if ev.gen != m.gen {
		m.mu.Unlock()
		return
	}
	switch ev.kind {
	case evPresence:
		set := make(map[string]struct{}, len(ev.presence))
		for _, id := range ev.presence {
			if id != "" {
				set[id] = struct{}{}
			}
		}
		m.presence = set
		m.metrics.SetPresence(len(set))
		m.mu.Unlock()
	case evMessage:
		sink := m.sink
		m.mu.Unlock()
		if sink != nil {
			sink.MergeIncoming(ev.msg)
		}
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) refresh(ctx context.Context) bool {
	m.mu.Lock()
	r := m.refresher
	m.mu.Unlock()
	if r == nil {
		return false
	}
	if err := r.RefreshCredential(ctx); err != nil {
		m.log.Info("realtime.refresh.fail", "err", err)
		return false
	}
	m.log.Info("realtime.refresh.ok")
	return true
}

// giveUp ends a generation after the attempt cap with one notification.
func (m *Manager) giveUp(ctx context.Context, gen uint64, cause error) {
	err := apperr.Wrap("realtime.Reconnect", apperr.ErrLinkFailure, cause)
	if !m.endGeneration(gen, err) {
		return
	}
	m.metrics.IncGiveUp()
	m.log.Warn("realtime.give_up", "max_attempts", m.policy.MaxAttempts, "err", err)
	m.notifier.Notify(context.WithoutCancel(ctx), notify.Error(notify.KindLinkFailure, MsgLinkFailure))
}

// giveUpUnauthorized ends a generation whose credential stayed rejected and
// hands over to the session, which owns the user-facing notification.
func (m *Manager) giveUpUnauthorized(ctx context.Context, gen uint64) {
	if !m.endGeneration(gen, nil) {
		return
	}
	m.log.Warn("realtime.unauthorized")
	m.mu.Lock()
	fn := m.onUnauthorized
	m.mu.Unlock()
	if fn != nil {
		fn(context.WithoutCancel(ctx))
	}
}

// endGeneration stops gen and records failure as the link error.
func (m *Manager) endGeneration(gen uint64, failure error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	old := m.stopLocked()
	m.err = failure
	m.presence = nil
	m.metrics.SetPresence(0)
	m.setStateLocked(Disconnected)
	if old != nil {
		go closeConn(old, "give up")
	}
	return true
}

func closeConn(c Conn, reason string) {
	if c != nil {
		_ = c.Close(reason)
	}
}

func nonZero(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
