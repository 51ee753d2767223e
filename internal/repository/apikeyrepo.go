// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/evhub/internal/model"
)

// APIKeyRepository provides access to handshake credentials.
type APIKeyRepository interface {
	// Create inserts a new key; the secret is stored sealed.
	Create(ctx context.Context, k *model.APIKey) error
	// GetByToken loads a key with its secret opened.
	GetByToken(ctx context.Context, token string) (*model.APIKey, error)
	// AdvanceNonce atomically raises the stored nonce to nonce. It fails with
	// errs.ErrNonceReused unless nonce is strictly greater than the stored one.
	AdvanceNonce(ctx context.Context, token string, nonce int64) error
	// SetEnabled enables or disables a key.
	SetEnabled(ctx context.Context, token string, enabled bool) error
}
