package realtime

import (
	"context"
	"errors"

	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"
)

var (
	// ErrUnauthorized marks a dial or connection the server rejected for its credential.
	ErrUnauthorized = errors.New("realtime: unauthorized")

	// ErrMalformed marks one unreadable inbound frame; the connection stays usable.
	ErrMalformed = errors.New("realtime: malformed frame")
)

// Conn is one established event-stream connection.
type Conn interface {
	Read(ctx context.Context) (v1.Envelope, error)
	Write(ctx context.Context, env v1.Envelope) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens connections for an identity. Implementations attach the
// session credential and report rejections as ErrUnauthorized.
type Dialer interface {
	Dial(ctx context.Context, identity string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, identity string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, identity string) (Conn, error) { return f(ctx, identity) }
