// Package service contains the handshake authenticator and API key management.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	pkgcrypto "github.com/and161185/evhub/internal/crypto"
	"github.com/and161185/evhub/internal/errs"
	"github.com/and161185/evhub/internal/limiter"
	"github.com/and161185/evhub/internal/model"
	"github.com/and161185/evhub/internal/repository"
)

// Rejection reasons surfaced to clients after "failed authentication (<key>): ".
const (
	ReasonLocked       = "too many failed attempts"
	ReasonUnknownKey   = "invalid api key"
	ReasonDisabled     = "api key disabled"
	ReasonExpired      = "api key expired"
	ReasonBadSignature = "invalid signature"
	ReasonNonceReused  = "nonce already used"
)

// SecretLen is the size of generated HMAC secrets.
const SecretLen = 32

// AuthService verifies signed handshake claims against stored API keys.
type AuthService struct {
	keys repository.APIKeyRepository
	lim  limiter.Limiter
	now  func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(keys repository.APIKeyRepository, lim limiter.Limiter) *AuthService {
	return &AuthService{keys: keys, lim: lim, now: time.Now}
}

// Verify checks req in order: lockout, key lookup, key state, signature, nonce.
// Rejections come back as a non-OK result; storage failures come back as errors.
func (s *AuthService) Verify(ctx context.Context, req model.VerifyRequest) (model.AuthResult, error) {
	peer := limiter.HashPeer(req.Peer)

	allowed, _, err := s.lim.Allow(ctx, req.KeyToken, peer)
	if err != nil {
		return model.AuthResult{}, fmt.Errorf("limiter allow: %w", err)
	}
	if !allowed {
		return reject(ReasonLocked), nil
	}

	k, err := s.keys.GetByToken(ctx, req.KeyToken)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return s.fail(ctx, req.KeyToken, peer, ReasonUnknownKey)
	case err != nil:
		return model.AuthResult{}, fmt.Errorf("load api key: %w", err)
	}

	if !k.Enabled {
		return s.fail(ctx, req.KeyToken, peer, ReasonDisabled)
	}
	if k.Expired(s.now()) {
		return s.fail(ctx, req.KeyToken, peer, ReasonExpired)
	}
	if !pkgcrypto.VerifySignature(k.Secret, req.Message, req.Signature) {
		return s.fail(ctx, req.KeyToken, peer, ReasonBadSignature)
	}

	// Only a verified signature may burn the nonce.
	err = s.keys.AdvanceNonce(ctx, req.KeyToken, req.Nonce)
	switch {
	case errors.Is(err, errs.ErrNonceReused):
		return s.fail(ctx, req.KeyToken, peer, ReasonNonceReused)
	case err != nil:
		return model.AuthResult{}, fmt.Errorf("advance nonce: %w", err)
	}

	// best-effort
	_ = s.lim.Success(ctx, req.KeyToken, peer)
	return model.AuthResult{OK: true, Principal: k.Owner}, nil
}

func (s *AuthService) fail(ctx context.Context, token string, peer []byte, reason string) (model.AuthResult, error) {
	if blocked, _, err := s.lim.Failure(ctx, token, peer); err == nil && blocked {
		return reject(ReasonLocked), nil
	}
	return reject(reason), nil
}

func reject(reason string) model.AuthResult { return model.AuthResult{Reason: reason} }

// IssuedKey is a freshly created credential. Secret is shown once.
type IssuedKey struct {
	Token  string
	Secret string // base64 standard encoding
}

// IssueKey creates an enabled key for owner. A zero ttl means no expiry.
func (s *AuthService) IssueKey(ctx context.Context, owner model.Identity, ttl time.Duration) (IssuedKey, error) {
	if owner == "" {
		return IssuedKey{}, errs.Missing("owner")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return IssuedKey{}, err
	}
	secret, err := pkgcrypto.RandBytes(SecretLen)
	if err != nil {
		return IssuedKey{}, err
	}
	k := &model.APIKey{Token: id.String(), Owner: owner, Secret: secret, Enabled: true}
	if ttl > 0 {
		exp := s.now().Add(ttl)
		k.ExpiresAt = &exp
	}
	if err := s.keys.Create(ctx, k); err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{Token: k.Token, Secret: base64.StdEncoding.EncodeToString(secret)}, nil
}

// RevokeKey disables a key; later handshakes with it are rejected.
func (s *AuthService) RevokeKey(ctx context.Context, token string) error {
	return s.keys.SetEnabled(ctx, token, false)
}
