// Package notify carries user-facing notifications (toasts) out of the engine.
//
// Components never render anything. They hand a Notification to a Notifier and
// the embedding UI or CLI decides how to show it.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Level is the severity of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Kind identifies the logical event behind a notification so callers can
// de-duplicate or route without parsing Message.
type Kind string

const (
	KindSessionCheckFailed Kind = "session.check_failed"
	KindSessionExpired     Kind = "session.expired"
	KindSignup             Kind = "session.signup"
	KindLogin              Kind = "session.login"
	KindLogout             Kind = "session.logout"
	KindProfile            Kind = "session.profile"
	KindLinkFailure        Kind = "realtime.link_failure"
	KindPeers              Kind = "chat.peers"
	KindHistory            Kind = "chat.history"
	KindSend               Kind = "chat.send"
)

// Notification is one user-visible event.
type Notification struct {
	Level   Level
	Kind    Kind
	Message string
}

// Notifier receives notifications. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, n Notification)

func (f Func) Notify(ctx context.Context, n Notification) {
	if f != nil {
		f(ctx, n)
	}
}

// Success builds a success notification.
func Success(kind Kind, msg string) Notification {
	return Notification{Level: LevelSuccess, Kind: kind, Message: msg}
}

// Error builds an error notification.
func Error(kind Kind, msg string) Notification {
	return Notification{Level: LevelError, Kind: kind, Message: msg}
}

// LogNotifier writes notifications to a slog.Logger.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	lvl := slog.LevelInfo
	if n.Level == LevelError {
		lvl = slog.LevelWarn
	}
	log.Log(ctx, lvl, "notify", "level", string(n.Level), "kind", string(n.Kind), "message", n.Message)
}

// Recorder keeps every notification it receives. Useful in tests and for
// UIs that drain notifications on their own schedule.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	r.all = append(r.all, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.all {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

// Drain returns and forgets the recorded notifications.
func (r *Recorder) Drain() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.all
	r.all = nil
	return out
}
