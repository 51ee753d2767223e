// Package model defines domain entities shared by the notification subsystem.
package model

import (
	"encoding/json"
	"time"
)

// ConnID is an opaque transport-level session identifier assigned on connect.
type ConnID string

// Identity is a stable user identifier (the user's email) resolved by the authenticator.
// It doubles as the room name for that user.
type Identity string

// Published event names.
const (
	EventUserInfoUpdate    = "user_info_update"
	EventBrokerOrderUpdate = "broker_order_update"
	EventBrokerOrderNew    = "broker_order_new"

	// EventInfo carries handshake replies to a single connection.
	EventInfo = "info"
	// EventAuth is the inbound handshake message.
	EventAuth = "auth"
)

// AuthClaim is a decoded and validated handshake payload.
type AuthClaim struct {
	APIKey    string
	Nonce     int64
	Signature string
}

// Envelope is the named, serialized unit delivered to connections.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"data"`
	Room    Identity        `json:"-"` // routing key, empty for direct replies
}

// APIKey is a registered credential owned by a user.
type APIKey struct {
	Token     string     // public key token sent as api_key
	Owner     Identity   // principal resolved on success
	Secret    []byte     // HMAC secret, plaintext in memory only
	Nonce     int64      // last accepted nonce
	Enabled   bool       // disabled keys never authenticate
	ExpiresAt *time.Time // nil = no expiry
}

// Expired reports whether the key has an expiry in the past relative to now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// VerifyRequest is the input of the authenticator contract.
type VerifyRequest struct {
	KeyToken  string
	Nonce     int64
	Signature string
	Message   string // decimal rendering of Nonce
	Peer      string // remote address, used for lockout accounting
}

// AuthResult is the outcome of a verification that did not hit an infrastructure error.
type AuthResult struct {
	OK        bool
	Reason    string   // set when !OK
	Principal Identity // set when OK
}

// FailureReport describes a failure that escaped a supervised task.
type FailureReport struct {
	Task  string
	Err   string
	Trace string
	At    time.Time
}

// Notification is a domain change announced by an external collaborator.
type Notification struct {
	Event       string          `json:"event"`
	Identity    Identity        `json:"identity"`
	OldIdentity Identity        `json:"old_identity,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}
