package eventsource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/evhub/internal/model"
)

type fakeConn struct {
	mu       sync.Mutex
	execs    []string
	execErr  error
	notes    chan *pgconn.Notification
	released bool
}

func newFakeConn() *fakeConn { return &fakeConn{notes: make(chan *pgconn.Notification, 8)} }

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.CommandTag{}, c.execErr
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n, ok := <-c.notes:
		if !ok {
			return nil, errors.New("conn closed")
		}
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) acquire(context.Context) (Conn, func(), error) {
	return c, func() { c.mu.Lock(); c.released = true; c.mu.Unlock() }, nil
}

func (c *fakeConn) executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

type recDispatcher struct {
	mu  sync.Mutex
	got []model.Notification
	err error
}

func (d *recDispatcher) Dispatch(n model.Notification) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	d.got = append(d.got, n)
	return 1, nil
}

func (d *recDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

func TestListener_DispatchesAndSkipsBadPayloads(t *testing.T) {
	conn := newFakeConn()
	d := &recDispatcher{}
	l := newListener(conn.acquire, "evhub_events", d, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	conn.notes <- &pgconn.Notification{Channel: "evhub_events", Payload: `not json`}
	conn.notes <- &pgconn.Notification{Channel: "evhub_events", Payload: `{"event":"broker_order_new","identity":"a@b","payload":{"id":1}}`}
	conn.notes <- &pgconn.Notification{Channel: "evhub_events", Payload: `{"event":"user_info_update","identity":"new@b","old_identity":"a@b","payload":{}}`}

	require.Eventually(t, func() bool { return d.count() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)

	d.mu.Lock()
	require.Equal(t, model.EventBrokerOrderNew, d.got[0].Event)
	require.Equal(t, model.Identity("a@b"), d.got[1].OldIdentity)
	d.mu.Unlock()

	execs := conn.executed()
	require.Equal(t, `LISTEN "evhub_events"`, execs[0])
	require.Equal(t, `UNLISTEN "evhub_events"`, execs[len(execs)-1])
	require.True(t, conn.released)
}

func TestListener_DispatchErrorIsSkipped(t *testing.T) {
	conn := newFakeConn()
	d := &recDispatcher{err: fmt.Errorf(`unknown event "x"`)}
	l := newListener(conn.acquire, "ch", d, zaptest.NewLogger(t))

	conn.notes <- &pgconn.Notification{Payload: `{"event":"x","identity":"a@b"}`}
	close(conn.notes)

	err := l.Run(context.Background())
	require.ErrorContains(t, err, "conn closed")
}

func TestListener_ConnectionLossCarriesStack(t *testing.T) {
	conn := newFakeConn()
	close(conn.notes)
	l := newListener(conn.acquire, "ch", &recDispatcher{}, zaptest.NewLogger(t))

	err := l.Run(context.Background())
	require.Error(t, err)
	require.True(t, strings.Contains(fmt.Sprintf("%+v", err), "eventsource"), "stack trace expected in %+v", err)
}

func TestListener_AcquireAndListenErrors(t *testing.T) {
	failing := func(context.Context) (Conn, func(), error) { return nil, nil, errors.New("pool closed") }
	err := newListener(failing, "ch", &recDispatcher{}, nil).Run(context.Background())
	require.ErrorContains(t, err, "pool closed")

	conn := newFakeConn()
	conn.execErr = errors.New("permission denied")
	err = newListener(conn.acquire, "ch", &recDispatcher{}, nil).Run(context.Background())
	require.ErrorContains(t, err, "permission denied")
	require.True(t, conn.released)
}

type recExec struct {
	sql  string
	args []any
}

func (r *recExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql, r.args = sql, args
	return pgconn.CommandTag{}, nil
}

func TestNotify(t *testing.T) {
	r := &recExec{}
	n := model.Notification{Event: model.EventBrokerOrderUpdate, Identity: "a@b"}
	require.NoError(t, Notify(context.Background(), r, "ch", n))
	require.Equal(t, "SELECT pg_notify($1, $2)", r.sql)
	require.Equal(t, "ch", r.args[0])
	require.JSONEq(t, `{"event":"broker_order_update","identity":"a@b","payload":null}`, r.args[1].(string))
}
