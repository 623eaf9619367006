package persist

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"realmsync/state"
)

var (
	// ErrInvalidToken means the token is malformed or unknown.
	ErrInvalidToken = errors.New("invalid_token")
	// ErrSessionExpired means the token existed but is past its expiry.
	ErrSessionExpired = errors.New("session_expired")
)

var tokenPattern = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// Sessions resolves session tokens minted elsewhere into identities.
type Sessions struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessions wraps an open database.
func NewSessions(db *sql.DB) *Sessions {
	return &Sessions{db: db, now: time.Now}
}

// Authenticate looks the token up. Expired sessions are deleted on sight.
func (s *Sessions) Authenticate(ctx context.Context, token string) (state.Identity, error) {
	token = strings.TrimSpace(token)
	if !tokenPattern.MatchString(token) {
		return state.Identity{}, ErrInvalidToken
	}

	var (
		id        state.Identity
		expiresAt int64
	)
	row := s.db.QueryRowContext(ctx, `SELECT user_id, username, expires_at FROM sessions WHERE token = ?`, token)
	if err := row.Scan(&id.UserID, &id.Username, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Identity{}, ErrInvalidToken
		}
		return state.Identity{}, err
	}

	if !s.now().Before(time.UnixMilli(expiresAt)) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
			return state.Identity{}, err
		}
		return state.Identity{}, ErrSessionExpired
	}
	return id, nil
}

// Put stores or replaces a session. Used by tooling and tests; the game
// server itself never mints tokens.
func (s *Sessions) Put(ctx context.Context, token string, id state.Identity, expiresAt time.Time) error {
	if !tokenPattern.MatchString(token) {
		return ErrInvalidToken
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(token, user_id, username, expires_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id=excluded.user_id, username=excluded.username, expires_at=excluded.expires_at`,
		token, id.UserID, id.Username, expiresAt.UnixMilli())
	return err
}
