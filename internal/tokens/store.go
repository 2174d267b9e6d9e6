// Package tokens manages OAuth2 client-credentials tokens for partner
// APIs. Tokens persist across restarts and concurrent refreshes for the
// same (tenant, partner) collapse into a single upstream exchange.
package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Token is one cached access token.
type Token struct {
	Tenant      string
	Partner     string
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token is usable at t with the refresh skew
// applied. A token inside the skew window is treated as expired so a
// request never departs with a token that dies in flight.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	return t.AccessToken != "" && now.Add(skew).Before(t.ExpiresAt)
}

// ErrNotFound is returned when no token is stored for a (tenant, partner).
var ErrNotFound = errors.New("tokens: not found")

// Store persists tokens keyed by (tenant, partner).
type Store interface {
	Get(ctx context.Context, tenant, partner string) (Token, error)
	Put(ctx context.Context, tok Token) error
	Delete(ctx context.Context, tenant, partner string) error
	Close() error
}

const tokenSchema = `
CREATE TABLE IF NOT EXISTS provider_tokens (
	tenant       TEXT NOT NULL,
	partner      TEXT NOT NULL,
	access_token TEXT NOT NULL,
	expires_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE(tenant, partner)
);
`

// SQLiteStore keeps tokens in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tokens: open %s: %w", path, err)
	}
	// Single writer; modernc sqlite serializes access anyway and this
	// avoids SQLITE_BUSY under worker contention.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("tokens: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(tokenSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("tokens: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, tenant, partner string) (Token, error) {
	var tok Token
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant, partner, access_token, expires_at
		 FROM provider_tokens WHERE tenant = ? AND partner = ?`,
		tenant, partner,
	).Scan(&tok.Tenant, &tok.Partner, &tok.AccessToken, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("tokens: get %s/%s: %w", tenant, partner, err)
	}
	tok.ExpiresAt = time.Unix(expires, 0)
	return tok, nil
}

func (s *SQLiteStore) Put(ctx context.Context, tok Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_tokens (tenant, partner, access_token, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant, partner) DO UPDATE SET
		   access_token = excluded.access_token,
		   expires_at   = excluded.expires_at,
		   updated_at   = excluded.updated_at`,
		tok.Tenant, tok.Partner, tok.AccessToken, tok.ExpiresAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("tokens: put %s/%s: %w", tok.Tenant, tok.Partner, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tenant, partner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_tokens WHERE tenant = ? AND partner = ?`,
		tenant, partner,
	); err != nil {
		return fmt.Errorf("tokens: delete %s/%s: %w", tenant, partner, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// MemoryStore is the in-process Store used in tests.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (s *MemoryStore) Get(_ context.Context, tenant, partner string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tenant+"|"+partner]
	if !ok {
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func (s *MemoryStore) Put(_ context.Context, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.Tenant+"|"+tok.Partner] = tok
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenant, partner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tenant+"|"+partner)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
