package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/and161185/evhub/internal/crypto"
	"github.com/and161185/evhub/internal/errs"
	"github.com/and161185/evhub/internal/model"
)

// APIKeyRepo implements APIKeyRepository using PostgreSQL. Secrets are sealed
// with the master key before they reach the database.
type APIKeyRepo struct {
	db     *DB
	master []byte
}

// NewAPIKeyRepo constructs an API key repository.
func NewAPIKeyRepo(db *DB, master []byte) *APIKeyRepo { return &APIKeyRepo{db: db, master: master} }

// Create inserts a new api_keys row.
func (r *APIKeyRepo) Create(ctx context.Context, k *model.APIKey) error {
	sealed, err := crypto.SealSecret(r.master, k.Token, k.Secret)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	const q = `
INSERT INTO api_keys (token, owner, secret_enc, nonce, enabled, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.db.Pool.Exec(ctx, q, k.Token, string(k.Owner), sealed, k.Nonce, k.Enabled, k.ExpiresAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByToken selects a key by its public token and opens its secret.
func (r *APIKeyRepo) GetByToken(ctx context.Context, token string) (*model.APIKey, error) {
	const q = `
SELECT token, owner, secret_enc, nonce, enabled, expires_at
FROM api_keys WHERE token=$1`
	var (
		k       model.APIKey
		owner   string
		sealed  []byte
		expires pgtype.Timestamptz
	)
	err := r.db.Pool.QueryRow(ctx, q, token).Scan(&k.Token, &owner, &sealed, &k.Nonce, &k.Enabled, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	secret, err := crypto.OpenSecret(r.master, k.Token, sealed)
	if err != nil {
		return nil, fmt.Errorf("open secret for %s: %w", token, err)
	}
	k.Owner = model.Identity(owner)
	k.Secret = secret
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	return &k, nil
}

// AdvanceNonce moves the stored nonce forward; equal or lower nonces are replays.
func (r *APIKeyRepo) AdvanceNonce(ctx context.Context, token string, nonce int64) error {
	const q = `UPDATE api_keys SET nonce=$2 WHERE token=$1 AND nonce < $2`
	tag, err := r.db.Pool.Exec(ctx, q, token, nonce)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNonceReused
	}
	return nil
}

// SetEnabled toggles a key.
func (r *APIKeyRepo) SetEnabled(ctx context.Context, token string, enabled bool) error {
	const q = `UPDATE api_keys SET enabled=$2 WHERE token=$1`
	tag, err := r.db.Pool.Exec(ctx, q, token, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
