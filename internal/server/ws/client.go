package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/evhub/internal/convert"
	"github.com/and161185/evhub/internal/handshake"
	"github.com/and161185/evhub/internal/metrics"
	"github.com/and161185/evhub/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// client is one websocket connection. send is never closed; done signals the
// end of the connection to both pumps and to concurrent senders.
type client struct {
	id   model.ConnID
	peer string
	conn *websocket.Conn
	srv  *Server

	send      chan model.Envelope
	done      chan struct{}
	closeOnce sync.Once

	authLimit *rate.Limiter
	log       *zap.Logger
}

func newClient(srv *Server, conn *websocket.Conn, id model.ConnID, peer string) *client {
	return &client{
		id:        id,
		peer:      peer,
		conn:      conn,
		srv:       srv,
		send:      make(chan model.Envelope, srv.opts.Queue),
		done:      make(chan struct{}),
		authLimit: rate.NewLimiter(rate.Limit(srv.opts.Rate), srv.opts.Burst),
		log:       srv.log.With(zap.String("conn", string(id))),
	}
}

// ID implements registry.Peer.
func (c *client) ID() model.ConnID { return c.id }

// Send queues env without blocking. A full queue means the peer cannot keep up;
// the connection is closed rather than letting it stall the publisher.
func (c *client) Send(env model.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send queue full, closing slow consumer", zap.String("event", env.Event))
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// goingAway tells the peer the server is shutting down, then closes.
func (c *client) goingAway() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
		time.Now().Add(writeWait))
	c.close()
}

// readPump reads frames until the connection fails. It owns the registry
// membership of the connection.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.srv.rooms.Leave(c.id)
		c.srv.untrack(c)
		c.srv.metrics.ConnClosed()
		c.close()
		c.srv.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Info("websocket read error", zap.Error(err))
			}
			return
		}

		env, err := convert.DecodeFrame(message)
		if err != nil {
			c.log.Debug("undecodable frame", zap.Error(err))
			c.reply(handshake.ReplyInvalidPayload)
			continue
		}
		switch env.Event {
		case model.EventAuth:
			c.handleAuth(ctx, env)
		default:
			c.log.Debug("ignoring client event", zap.String("event", env.Event))
		}
	}
}

func (c *client) handleAuth(ctx context.Context, env model.Envelope) {
	if !c.authLimit.Allow() {
		c.srv.metrics.Handshake(metrics.ResultLimited)
		c.reply(handshake.ReplyRateLimited)
		return
	}
	msg, err := c.srv.auth.HandleAuth(ctx, c.id, c.peer, env.Payload)
	if err != nil {
		c.log.Debug("handshake not completed", zap.Error(err))
	}
	c.reply(msg)
}

func (c *client) reply(msg string) {
	c.Send(convert.InfoFrame(msg))
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.srv.wg.Done()
	}()

	for {
		select {
		case env := <-c.send:
			data, err := convert.EncodeFrame(env)
			if err != nil {
				c.log.Error("encode frame", zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
