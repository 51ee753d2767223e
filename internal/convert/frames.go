// Package convert maps between wire representations and domain structs.
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/and161185/evhub/internal/model"
)

// --- websocket frames ---

// EncodeFrame renders env as {"event": ..., "data": ...}. Empty payloads become null.
func EncodeFrame(env model.Envelope) ([]byte, error) {
	if env.Event == "" {
		return nil, fmt.Errorf("empty event name")
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	return json.Marshal(env)
}

// DecodeFrame parses an inbound client frame. The data member is kept raw.
func DecodeFrame(b []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return model.Envelope{}, fmt.Errorf("frame without event")
	}
	return env, nil
}

// InfoFrame wraps a handshake reply string in an info envelope.
func InfoFrame(msg string) model.Envelope {
	b, _ := json.Marshal(msg)
	return model.Envelope{Event: model.EventInfo, Payload: b}
}

// --- NOTIFY payloads ---

// ParseNotification decodes a NOTIFY payload. It checks shape only; event
// names are validated by the publisher.
func ParseNotification(payload string) (model.Notification, error) {
	var n model.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return model.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.Event == "" {
		return model.Notification{}, fmt.Errorf("notification without event")
	}
	if n.Identity == "" {
		return model.Notification{}, fmt.Errorf("notification %s without identity", n.Event)
	}
	if len(n.Payload) == 0 {
		n.Payload = json.RawMessage("null")
	}
	return n, nil
}

// EncodeNotification renders n as a NOTIFY payload.
func EncodeNotification(n model.Notification) (string, error) {
	if len(n.Payload) == 0 {
		n.Payload = json.RawMessage("null")
	}
	b, err := json.Marshal(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
