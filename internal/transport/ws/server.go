// Package ws is the websocket transport: it upgrades requests, owns each
// connection's read and ping loops, and hands inbound frames to the router.
package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cwrk-planet/chat-service/internal/broadcast"
	"github.com/cwrk-planet/chat-service/internal/chat"
)

type Router interface {
	Route(ctx context.Context, sender chat.Conn, raw []byte) (broadcast.Result, error)
}

type Registry interface {
	Register(c chat.Conn)
	Unregister(c chat.Conn)
	Snapshot() []chat.Conn
}

// Forgetter drops a closed connection from every room it joined.
type Forgetter interface {
	Forget(c chat.Conn) int
}

type Options struct {
	AllowedOrigins []string
	MaxMessageSize int64
	PingInterval   time.Duration
	// Forget, when set, is called on close so rooms never hold the
	// connection afterwards. Left nil, stale members wait for reconciliation.
	Forget Forgetter
}

type Server struct {
	upgrader websocket.Upgrader
	router   Router
	registry Registry
	forget   Forgetter

	maxMessageSize int64
	pingEvery      time.Duration

	// ctx outlives any single request so a sender disconnecting mid
	// broadcast does not cancel delivery to the rest of the room
	ctx context.Context

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewServer(ctx context.Context, router Router, registry Registry, opts Options) *Server {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 << 10
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	policy := newOriginPolicy(opts.AllowedOrigins)

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		router:         router,
		registry:       registry,
		forget:         opts.Forget,
		maxMessageSize: opts.MaxMessageSize,
		pingEvery:      opts.PingInterval,
		ctx:            ctx,
	}
}

// HandleWS upgrades the request and serves the connection until it closes.
// GET /ws
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newWsConn(conn, uuid.NewString(), r.RemoteAddr)
	s.registry.Register(c)
	c.markConnected()

	go s.pingLoop(c)
	s.readLoop(c)
	s.disconnect(c)
}

// track counts a handler in wg unless Shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) extendReadDeadline(c *wsConn) error {
	return c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
}

func (s *Server) readLoop(c *wsConn) {
	c.conn.SetReadLimit(s.maxMessageSize)
	_ = s.extendReadDeadline(c)
	c.conn.SetPongHandler(func(string) error {
		return s.extendReadDeadline(c)
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			logReadError(c, err)
			return
		}

		if _, err := s.router.Route(s.ctx, c, data); err != nil {
			if errors.Is(err, chat.ErrMalformedMessage) {
				slog.Warn("ws malformed payload", "conn_id", c.id, "remote", c.addr, "err", err)
			} else {
				slog.Error("ws route failed", "conn_id", c.id, "remote", c.addr, "err", err)
			}
			_ = c.Close(chat.CloseServerError)
			return
		}
		// pongs that arrived while Route waited on slow recipients were not
		// read yet; the sender is still answering
		if err := s.extendReadDeadline(c); err != nil {
			logReadError(c, err)
			return
		}
	}
}

func (s *Server) pingLoop(c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(5 * time.Second); err != nil {
				if !isExpectedCloseError(err) {
					slog.Debug("ws ping failed", "conn_id", c.id, "err", err)
				}
				return
			}
		case <-c.closed:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// disconnect runs once the read loop ends: the connection stops being live
// right away, while room membership is only touched when Forget is set.
func (s *Server) disconnect(c *wsConn) {
	s.registry.Unregister(c)
	if s.forget != nil {
		if n := s.forget.Forget(c); n > 0 {
			slog.Debug("ws connection left rooms", "conn_id", c.id, "rooms", n)
		}
	}
	if err := c.Close(chat.CloseNormal); err != nil {
		slog.Debug("ws close failed", "conn_id", c.id, "err", err)
	}
}

// Shutdown closes every live connection with "going away" and waits for
// their handlers to return or ctx to expire. Upgrades arriving afterwards
// get 503.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	conns := s.registry.Snapshot()
	for _, c := range conns {
		_ = c.Close(chat.CloseGoingAway)
	}
	slog.Info("ws connections closed", "count", len(conns))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func logReadError(c *wsConn, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("ws message too large", "conn_id", c.id, "remote", c.addr)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		slog.Debug("ws client closed", "conn_id", c.id, "remote", c.addr)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		slog.Debug("ws connection ended", "conn_id", c.id, "remote", c.addr, "err", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		slog.Warn("ws unexpected close", "conn_id", c.id, "remote", c.addr, "err", err)
	default:
		slog.Debug("ws read error", "conn_id", c.id, "remote", c.addr, "err", err)
	}
}
