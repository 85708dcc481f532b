package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/esmukingi/NexChat/cmd/security/seal"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credential (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	token      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps the token in a one-row SQLite table.
// When a Sealer is configured the token is encrypted before it touches disk.
type SQLiteStore struct {
	db     *sql.DB
	sealer *seal.Sealer
	now    func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSealer encrypts tokens at rest.
func WithSealer(s *seal.Sealer) SQLiteOption {
	return func(st *SQLiteStore) { st.sealer = s }
}

// OpenSQLite opens (or creates) the credential database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credential db path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One row, one writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create credential table: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (string, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM credential WHERE id = 1`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}

	switch {
	case s.sealer != nil && seal.IsSealed(stored):
		tok, err := s.sealer.Open(stored)
		if err != nil {
			return "", fmt.Errorf("load credential: %w", err)
		}
		return tok, nil
	case seal.IsSealed(stored):
		return "", fmt.Errorf("load credential: %w", seal.ErrKeyMissing)
	default:
		return stored, nil
	}
}

func (s *SQLiteStore) Save(ctx context.Context, token string) error {
	if token == "" {
		return s.Clear(ctx)
	}
	stored := token
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(token)
		if err != nil {
			return fmt.Errorf("save credential: %w", err)
		}
		stored = sealed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential (id, token, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		stored, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credential`); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}
