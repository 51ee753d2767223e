// Package ws serves the notification websocket endpoint together with the
// metrics and liveness endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/and161185/evhub/internal/metrics"
	"github.com/and161185/evhub/internal/model"
	"github.com/and161185/evhub/internal/registry"
)

// Options configures the websocket endpoint.
type Options struct {
	Listen  string
	Path    string
	Queue   int      // outbound frames buffered per connection
	Rate    float64  // auth messages per second per connection
	Burst   int      // auth message burst per connection
	Origins []string // allowed Origin values; "*" allows any; empty means same host
}

// Rooms is the registry surface the transport drives.
type Rooms interface {
	Attach(p registry.Peer)
	Leave(id model.ConnID)
	Connections() int
}

// AuthHandler runs a handshake attempt and returns the reply for the client.
type AuthHandler interface {
	HandleAuth(ctx context.Context, id model.ConnID, peer string, raw json.RawMessage) (string, error)
}

// Server accepts websocket connections and wires them into the registry.
type Server struct {
	opts     Options
	rooms    Rooms
	auth     AuthHandler
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[model.ConnID]*client
	closing bool
	wg      sync.WaitGroup
}

// New constructs a Server. Zero options take the same defaults as the config. m may be nil.
func New(opts Options, rooms Rooms, auth AuthHandler, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.Rate <= 0 {
		opts.Rate = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	s := &Server{
		opts:    opts,
		rooms:   rooms,
		auth:    auth,
		metrics: m,
		log:     log,
		clients: make(map[model.ConnID]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes: the websocket path, /metrics and /healthz.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, func(w http.ResponseWriter, r *http.Request) { s.serveWS(ctx, w, r) })
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.healthz)
	return mux
}

// Run listens on Options.Listen and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return pkgerrors.WithStack(err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends or the listener fails. On return every
// connection has been closed and has left its room.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("websocket listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.opts.Path))
		errCh <- httpSrv.Serve(ln)
	}()

	var err error
	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := httpSrv.Shutdown(sctx); serr != nil {
			s.log.Warn("http shutdown", zap.Error(serr))
		}
		cancel()
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else {
			err = pkgerrors.WithStack(err)
		}
	}

	// hijacked connections are not covered by Shutdown
	s.closeAll()
	s.wg.Wait()
	s.log.Info("websocket stopped")
	return err
}

func (s *Server) serveWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	uid, err := uuid.NewV4()
	if err != nil {
		s.log.Error("connection id", zap.Error(err))
		_ = conn.Close()
		return
	}
	c := newClient(s, conn, model.ConnID(uid.String()), r.RemoteAddr)

	if !s.track(c) {
		c.goingAway()
		return
	}
	s.rooms.Attach(c)
	s.metrics.ConnOpened()
	c.log.Info("connected", zap.String("peer", c.peer))

	go c.writePump()
	go c.readPump(ctx)
}

// track registers c and reserves its pump goroutines; it refuses once closing.
func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.clients[c.id] = c
	s.wg.Add(2)
	return true
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	s.closing = true
	open := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.goingAway()
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.rooms.Connections(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.opts.Origins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, o := range s.opts.Origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
