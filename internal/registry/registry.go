// Package registry tracks live connections, their authenticated identities and
// the per-identity rooms events are broadcast to.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/evhub/internal/errs"
	"github.com/and161185/evhub/internal/model"
)

// Peer is a live connection able to receive envelopes.
type Peer interface {
	// ID returns the transport-assigned connection id.
	ID() model.ConnID
	// Send queues env for delivery without blocking. It reports false if the
	// envelope could not be queued.
	Send(env model.Envelope) bool
}

// Registry maps connections to identities and identities to rooms.
// A single RWMutex serializes all mutations; broadcasts share the read lock.
type Registry struct {
	mu     sync.RWMutex
	peers  map[model.ConnID]Peer
	idents map[model.ConnID]model.Identity
	rooms  map[model.Identity]map[model.ConnID]Peer
	log    *zap.Logger
}

// New constructs an empty registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		peers:  make(map[model.ConnID]Peer),
		idents: make(map[model.ConnID]model.Identity),
		rooms:  make(map[model.Identity]map[model.ConnID]Peer),
		log:    log,
	}
}

// Attach records an unauthenticated connection.
func (r *Registry) Attach(p Peer) {
	r.mu.Lock()
	r.peers[p.ID()] = p
	r.mu.Unlock()
}

// Join binds id to identity and adds it to identity's room. Joining the same pair
// twice is a no-op; joining under a different identity moves the connection.
func (r *Registry) Join(id model.ConnID, identity model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return errs.ErrUnknownConnection
	}
	if prev, ok := r.idents[id]; ok {
		if prev == identity {
			return nil
		}
		r.removeLocked(prev, id)
	}
	room := r.rooms[identity]
	if room == nil {
		room = make(map[model.ConnID]Peer)
		r.rooms[identity] = room
	}
	room[id] = p
	r.idents[id] = identity
	r.log.Info("join room", zap.String("conn", string(id)), zap.String("room", string(identity)))
	return nil
}

// Leave removes the connection from its room and forgets it. Unknown ids are ignored.
func (r *Registry) Leave(id model.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, id)
	identity, ok := r.idents[id]
	if !ok {
		return
	}
	delete(r.idents, id)
	r.removeLocked(identity, id)
	r.log.Info("leave room", zap.String("conn", string(id)), zap.String("room", string(identity)))
}

func (r *Registry) removeLocked(identity model.Identity, id model.ConnID) {
	room := r.rooms[identity]
	delete(room, id)
	if len(room) == 0 {
		delete(r.rooms, identity)
	}
}

// CurrentIdentity returns the identity id authenticated as, if any.
func (r *Registry) CurrentIdentity(id model.ConnID) (model.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.idents[id]
	return identity, ok
}

// Emit queues env on every member of room and returns how many accepted it.
// An empty or missing room is not an error.
func (r *Registry) Emit(room model.Identity, env model.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, p := range r.rooms[room] {
		if p.Send(env) {
			n++
		}
	}
	return n
}

// Members returns the number of connections in room.
func (r *Registry) Members(room model.Identity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Rooms returns the number of non-empty rooms.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Connections returns the number of attached connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
