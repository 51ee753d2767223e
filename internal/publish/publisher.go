// Package publish forwards domain entity changes to the rooms of their owners.
package publish

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/evhub/internal/metrics"
	"github.com/and161185/evhub/internal/model"
)

// Emitter delivers an envelope to every connection currently in room.
type Emitter interface {
	Emit(room model.Identity, env model.Envelope) int
}

// Publisher serializes payloads into envelopes and emits them. It keeps no state
// besides its collaborators; offline users simply receive nothing.
type Publisher struct {
	rooms   Emitter
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Publisher. m may be nil.
func New(rooms Emitter, log *zap.Logger, m *metrics.Metrics) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{rooms: rooms, log: log, metrics: m}
}

// UserInfoUpdate announces a changed user profile. When the user's routing identity
// has just changed, pass the previous one as oldIdentity: connections are still
// joined under it.
func (p *Publisher) UserInfoUpdate(payload any, identity, oldIdentity model.Identity) (int, error) {
	room := identity
	if oldIdentity != "" {
		room = oldIdentity
	}
	n, err := p.Publish(model.EventUserInfoUpdate, payload, room)
	if err == nil {
		p.log.Info(model.EventUserInfoUpdate,
			zap.String("identity", string(identity)),
			zap.String("old_identity", string(oldIdentity)),
		)
	}
	return n, err
}

// BrokerOrderUpdate announces a changed broker order to its owner.
func (p *Publisher) BrokerOrderUpdate(payload any, identity model.Identity) (int, error) {
	return p.Publish(model.EventBrokerOrderUpdate, payload, identity)
}

// BrokerOrderNew announces a newly created broker order to its owner.
func (p *Publisher) BrokerOrderNew(payload any, identity model.Identity) (int, error) {
	return p.Publish(model.EventBrokerOrderNew, payload, identity)
}

// Publish serializes payload and emits it to room under event. It returns the
// number of connections the envelope was queued on.
func (p *Publisher) Publish(event string, payload any, room model.Identity) (int, error) {
	data, err := encode(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", event, err)
	}
	n := p.rooms.Emit(room, model.Envelope{Event: event, Payload: data, Room: room})
	p.metrics.Published(event, n)
	p.log.Debug("published",
		zap.String("event", event),
		zap.String("room", string(room)),
		zap.Int("delivered", n),
	)
	return n, nil
}

// Dispatch routes a notification from an external collaborator to the matching
// publisher operation.
func (p *Publisher) Dispatch(n model.Notification) (int, error) {
	switch n.Event {
	case model.EventUserInfoUpdate:
		return p.UserInfoUpdate(n.Payload, n.Identity, n.OldIdentity)
	case model.EventBrokerOrderUpdate:
		return p.BrokerOrderUpdate(n.Payload, n.Identity)
	case model.EventBrokerOrderNew:
		return p.BrokerOrderNew(n.Payload, n.Identity)
	default:
		return 0, fmt.Errorf("unknown event %q", n.Event)
	}
}

func encode(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid json payload")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid json payload")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
