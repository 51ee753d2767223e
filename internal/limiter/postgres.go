package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG keeps failure counters in the auth_failures table. Counters reset when the
// previous failure is older than window; reaching maxFails blocks for blockFor.
type PG struct {
	db       Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// Querier is the database surface the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(db Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{db: db, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether a handshake for (apiKey, peer) is currently permitted.
func (l *PG) Allow(ctx context.Context, apiKey string, peerHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_failures WHERE api_key=$1 AND peer_hash=$2`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, apiKey, peerHash).Scan(&blockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if now := l.now(); blockedUntil.After(now) {
		return false, blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets the failure history of (apiKey, peer).
func (l *PG) Success(ctx context.Context, apiKey string, peerHash []byte) error {
	const q = `DELETE FROM auth_failures WHERE api_key=$1 AND peer_hash=$2`
	_, err := l.db.Exec(ctx, q, apiKey, peerHash)
	return err
}

// Failure bumps the counter and starts a lockout once maxFails is reached.
func (l *PG) Failure(ctx context.Context, apiKey string, peerHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_failures (api_key, peer_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', now())
ON CONFLICT (api_key, peer_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - auth_failures.updated_at > $3::interval THEN 1 ELSE auth_failures.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRow(ctx, q, apiKey, peerHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const block = `UPDATE auth_failures SET blocked_until=$3 WHERE api_key=$1 AND peer_hash=$2`
	if _, err := l.db.Exec(ctx, block, apiKey, peerHash, l.now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
