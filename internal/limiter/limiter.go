// Package limiter locks out API keys that keep failing the handshake from one peer.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks failed handshakes per (api key, peer) and imposes temporary lockouts.
type Limiter interface {
	// Allow reports whether a handshake may be attempted and, if not, for how long.
	Allow(ctx context.Context, apiKey string, peerHash []byte) (bool, time.Duration, error)
	// Success clears the failure history after a successful handshake.
	Success(ctx context.Context, apiKey string, peerHash []byte) error
	// Failure records a rejected handshake; it reports whether a lockout started.
	Failure(ctx context.Context, apiKey string, peerHash []byte) (bool, time.Duration, error)
}

// HashPeer returns a stable hash of a remote address so raw addresses are never stored.
// The port is dropped so reconnects from the same host share a counter.
func HashPeer(addr string) []byte {
	host := addr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			host = addr[:i]
			break
		}
		if addr[i] == ']' {
			break
		}
	}
	h := sha256.Sum256([]byte(host))
	return h[:]
}
