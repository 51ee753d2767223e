// Package eventsource feeds domain notifications from PostgreSQL LISTEN/NOTIFY
// into the publisher.
package eventsource

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/and161185/evhub/internal/convert"
	"github.com/and161185/evhub/internal/model"
)

// Dispatcher routes a parsed notification to its event operation.
type Dispatcher interface {
	Dispatch(n model.Notification) (int, error)
}

// Conn is the part of a dedicated connection the listener needs.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// AcquireFunc hands out a dedicated connection and its release func.
type AcquireFunc func(ctx context.Context) (Conn, func(), error)

// Listener holds one connection in LISTEN mode and dispatches every payload.
type Listener struct {
	channel  string
	dispatch Dispatcher
	acquire  AcquireFunc
	log      *zap.Logger
}

// NewListener builds a listener that takes its connection from pool.
func NewListener(pool *pgxpool.Pool, channel string, d Dispatcher, log *zap.Logger) *Listener {
	return newListener(poolAcquirer(pool), channel, d, log)
}

func newListener(acquire AcquireFunc, channel string, d Dispatcher, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{channel: channel, dispatch: d, acquire: acquire, log: log}
}

// Run listens until ctx ends or the connection breaks. Bad payloads are logged
// and skipped; a broken connection is returned with its stack attached.
func (l *Listener) Run(ctx context.Context) error {
	conn, release, err := l.acquire(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "acquire listen connection")
	}
	defer release()

	ident := pgx.Identifier{l.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		return pkgerrors.Wrapf(err, "listen %s", l.channel)
	}
	defer func() {
		// the connection goes back to the pool; it must not stay subscribed
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(uctx, "UNLISTEN "+ident); err != nil {
			l.log.Warn("unlisten failed", zap.Error(err))
		}
	}()
	l.log.Info("listening for notifications", zap.String("channel", l.channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return pkgerrors.Wrap(err, "wait for notification")
		}
		l.handle(n)
	}
}

func (l *Listener) handle(n *pgconn.Notification) {
	note, err := convert.ParseNotification(n.Payload)
	if err != nil {
		l.log.Warn("bad notification", zap.String("channel", n.Channel), zap.Error(err))
		return
	}
	delivered, err := l.dispatch.Dispatch(note)
	if err != nil {
		l.log.Warn("notification not dispatched",
			zap.String("event", note.Event),
			zap.String("identity", string(note.Identity)),
			zap.Error(err),
		)
		return
	}
	l.log.Debug("notification dispatched",
		zap.String("event", note.Event),
		zap.Int("delivered", delivered),
	)
}

// Execer runs a statement; *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Notify announces n on channel through pg_notify.
func Notify(ctx context.Context, db Execer, channel string, n model.Notification) error {
	payload, err := convert.EncodeNotification(n)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

type pooledConn struct{ c *pgxpool.Conn }

func (p pooledConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.c.Exec(ctx, sql, args...)
}

func (p pooledConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return p.c.Conn().WaitForNotification(ctx)
}

func poolAcquirer(pool *pgxpool.Pool) AcquireFunc {
	return func(ctx context.Context) (Conn, func(), error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		return pooledConn{c: c}, c.Release, nil
	}
}
