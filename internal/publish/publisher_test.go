package publish

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/evhub/internal/metrics"
	"github.com/and161185/evhub/internal/model"
	"github.com/and161185/evhub/internal/registry"
)

type recPeer struct {
	id  model.ConnID
	mu  sync.Mutex
	got []model.Envelope
}

func (p *recPeer) ID() model.ConnID { return p.id }

func (p *recPeer) Send(env model.Envelope) bool {
	p.mu.Lock()
	p.got = append(p.got, env)
	p.mu.Unlock()
	return true
}

func setup(t *testing.T) (*Publisher, *registry.Registry) {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := registry.New(log)
	return New(reg, log, metrics.New()), reg
}

func join(t *testing.T, reg *registry.Registry, id string, identity model.Identity) *recPeer {
	t.Helper()
	p := &recPeer{id: model.ConnID(id)}
	reg.Attach(p)
	require.NoError(t, reg.Join(p.id, identity))
	return p
}

type order struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

func TestBrokerOrderNew_DeliversToOwner(t *testing.T) {
	t.Parallel()
	pub, reg := setup(t)
	alice := join(t, reg, "c1", "alice@example.com")
	bob := join(t, reg, "c2", "bob@example.com")

	n, err := pub.BrokerOrderNew(order{Token: "o1", Status: "created"}, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Len(t, alice.got, 1)
	require.Empty(t, bob.got)
	env := alice.got[0]
	require.Equal(t, model.EventBrokerOrderNew, env.Event)
	require.Equal(t, model.Identity("alice@example.com"), env.Room)
	require.JSONEq(t, `{"token":"o1","status":"created"}`, string(env.Payload))
}

func TestBrokerOrderUpdate_AllConnectionsOfUser(t *testing.T) {
	t.Parallel()
	pub, reg := setup(t)
	a := join(t, reg, "c1", "alice@example.com")
	b := join(t, reg, "c2", "alice@example.com")

	n, err := pub.BrokerOrderUpdate(json.RawMessage(`{"token":"o1"}`), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	require.Equal(t, model.EventBrokerOrderUpdate, a.got[0].Event)
}

func TestPublish_NoMembersIsNoop(t *testing.T) {
	t.Parallel()
	pub, _ := setup(t)
	n, err := pub.BrokerOrderNew(order{Token: "o1"}, "alice@example.com")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPublish_AfterLeave(t *testing.T) {
	t.Parallel()
	pub, reg := setup(t)
	p := join(t, reg, "c1", "alice@example.com")
	reg.Leave(p.id)

	n, err := pub.BrokerOrderNew(order{Token: "o1"}, "alice@example.com")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, p.got)
}

func TestUserInfoUpdate_OldIdentityRouting(t *testing.T) {
	t.Parallel()
	pub, reg := setup(t)
	old := join(t, reg, "c1", "old@example.com")

	n, err := pub.UserInfoUpdate(map[string]string{"email": "new@example.com"}, "new@example.com", "old@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, old.got, 1)
	require.Equal(t, model.EventUserInfoUpdate, old.got[0].Event)

	n, err = pub.UserInfoUpdate(map[string]string{"email": "new@example.com"}, "new@example.com", "")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPublish_InvalidRawPayload(t *testing.T) {
	t.Parallel()
	pub, reg := setup(t)
	p := join(t, reg, "c1", "alice@example.com")

	_, err := pub.BrokerOrderNew(json.RawMessage(`{broken`), "alice@example.com")
	require.Error(t, err)
	require.Empty(t, p.got)

	_, err = pub.BrokerOrderNew(make(chan int), "alice@example.com")
	require.Error(t, err)
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	pub, reg := setup(t)
	p := join(t, reg, "c1", "alice@example.com")

	for _, ev := range []string{model.EventBrokerOrderNew, model.EventBrokerOrderUpdate, model.EventUserInfoUpdate} {
		_, err := pub.Dispatch(model.Notification{Event: ev, Identity: "alice@example.com", Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}
	require.Len(t, p.got, 3)

	_, err := pub.Dispatch(model.Notification{Event: "kyc_update", Identity: "alice@example.com"})
	require.Error(t, err)
}
