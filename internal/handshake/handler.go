// Package handshake binds an anonymous connection to a verified identity.
//
// A connection starts unauthenticated. Each auth message is decoded, validated
// and handed to an Authenticator; on success the connection joins the room of
// the resolved identity. Every attempt yields exactly one reply string for the
// connection and never closes it, so clients may retry.
package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/evhub/internal/errs"
	"github.com/and161185/evhub/internal/metrics"
	"github.com/and161185/evhub/internal/model"
)

// Reply texts sent back over the info channel.
const (
	ReplyAuthenticated  = "authenticated!"
	ReplyInvalidPayload = "invalid payload"
	ReplyRateLimited    = "rate limited"

	reasonUnavailable = "authentication unavailable"
)

// Required handshake fields, in the order they are checked.
const (
	FieldAPIKey    = "api_key"
	FieldNonce     = "nonce"
	FieldSignature = "signature"
)

// Authenticator verifies a signed claim. Implementations must reject nonces that
// are not strictly greater than the last accepted nonce for the key.
// The signed message is the canonical decimal form of the nonce: "0005" and 5 both sign "5".
type Authenticator interface {
	// Verify returns a result for any decision it could make; err is reserved
	// for infrastructure failures.
	Verify(ctx context.Context, req model.VerifyRequest) (model.AuthResult, error)
}

// Rooms is the part of the connection registry the handler mutates.
type Rooms interface {
	Join(id model.ConnID, identity model.Identity) error
}

// Handler processes auth messages.
type Handler struct {
	auth    Authenticator
	rooms   Rooms
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// Option customizes a Handler.
type Option func(*Handler)

// WithTimeout bounds each Authenticator call.
func WithTimeout(d time.Duration) Option { return func(h *Handler) { h.timeout = d } }

// WithMetrics records handshake outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(h *Handler) { h.metrics = m } }

// New constructs a Handler.
func New(auth Authenticator, rooms Rooms, log *zap.Logger, opts ...Option) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{auth: auth, rooms: rooms, log: log}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleAuth runs one handshake attempt for connection id. It always returns the
// reply for the connection; err classifies failures (see package errs) and is nil
// on success.
func (h *Handler) HandleAuth(ctx context.Context, id model.ConnID, peer string, raw json.RawMessage) (string, error) {
	claim, err := Decode(raw)
	if err != nil {
		var fe *errs.FieldError
		switch {
		case errors.As(err, &fe) && errors.Is(err, errs.ErrMissingField):
			h.metrics.Handshake(metrics.ResultMissing)
			return fmt.Sprintf("'%s' param missing", fe.Field), err
		case errors.As(err, &fe):
			h.metrics.Handshake(metrics.ResultInvalid)
			return fmt.Sprintf("'%s' param invalid", fe.Field), err
		default:
			h.metrics.Handshake(metrics.ResultMalformed)
			return ReplyInvalidPayload, err
		}
	}

	vctx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	res, err := h.auth.Verify(vctx, model.VerifyRequest{
		KeyToken:  claim.APIKey,
		Nonce:     claim.Nonce,
		Signature: claim.Signature,
		Message:   strconv.FormatInt(claim.Nonce, 10),
		Peer:      peer,
	})
	if err == nil && res.OK && res.Principal == "" {
		err = errors.New("authenticator returned empty principal")
	}
	if err != nil {
		h.metrics.Handshake(metrics.ResultUnavailable)
		h.log.Error("authenticator error",
			zap.String("conn", string(id)),
			zap.String("api_key", claim.APIKey),
			zap.Error(err),
		)
		return failed(claim.APIKey, reasonUnavailable), fmt.Errorf("%w: %w", errs.ErrAuthenticationFailed, err)
	}
	if !res.OK {
		h.metrics.Handshake(metrics.ResultRejected)
		h.log.Info("failed authentication",
			zap.String("conn", string(id)),
			zap.String("api_key", claim.APIKey),
			zap.String("reason", res.Reason),
		)
		return failed(claim.APIKey, res.Reason), fmt.Errorf("%w: %s", errs.ErrAuthenticationFailed, res.Reason)
	}

	if err := h.rooms.Join(id, res.Principal); err != nil {
		// the connection went away while the authenticator was running
		h.metrics.Handshake(metrics.ResultUnavailable)
		return failed(claim.APIKey, "connection closed"), err
	}
	h.metrics.Handshake(metrics.ResultOK)
	return ReplyAuthenticated, nil
}

func failed(apiKey, reason string) string {
	return fmt.Sprintf("failed authentication (%s): %s", apiKey, reason)
}

// Decode parses a handshake payload. raw is either a JSON object or a JSON string
// holding one.
func Decode(raw json.RawMessage) (model.AuthClaim, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.AuthClaim{}, errs.ErrMalformedPayload
		}
		raw = bytes.TrimSpace([]byte(s))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return model.AuthClaim{}, errs.ErrMalformedPayload
	}

	for _, name := range []string{FieldAPIKey, FieldNonce, FieldSignature} {
		if _, ok := fields[name]; !ok {
			return model.AuthClaim{}, errs.Missing(name)
		}
	}

	var c model.AuthClaim
	var ok bool
	if c.APIKey, ok = nonEmptyString(fields[FieldAPIKey]); !ok {
		return model.AuthClaim{}, errs.Invalid(FieldAPIKey)
	}
	if c.Nonce, ok = parseNonce(fields[FieldNonce]); !ok {
		return model.AuthClaim{}, errs.Invalid(FieldNonce)
	}
	if c.Signature, ok = nonEmptyString(fields[FieldSignature]); !ok {
		return model.AuthClaim{}, errs.Invalid(FieldSignature)
	}
	return c, nil
}

func nonEmptyString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// parseNonce accepts a non-negative integer given as a JSON number or a string of digits.
func parseNonce(raw json.RawMessage) (int64, bool) {
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false
		}
	}
	if text == "" {
		return 0, false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
