// Package credstore persists the single bearer credential used in bearer mode.
//
// Lifecycle is tied 1:1 to the session: saved on authentication success,
// cleared on logout or unauthorized teardown.
package credstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned by Load when nothing is stored.
var ErrNoToken = errors.New("no stored token")

// Store holds at most one credential token.
type Store interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return "", ErrNoToken
	}
	return m.token, nil
}

func (m *MemoryStore) Save(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	return nil
}

// Expired reports whether token is a JWT whose exp claim is at or before now.
// The signature is not verified: the backend stays the authority, this only
// avoids sending a credential that is certain to be rejected.
// Opaque (non-JWT) tokens and tokens without exp are never reported expired.
func Expired(token string, now time.Time) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}

// PruneExpired clears the stored token when it is an expired JWT.
// It reports whether a token was removed.
func PruneExpired(ctx context.Context, s Store, now time.Time) (bool, error) {
	tok, err := s.Load(ctx)
	if errors.Is(err, ErrNoToken) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !Expired(tok, now) {
		return false, nil
	}
	return true, s.Clear(ctx)
}
