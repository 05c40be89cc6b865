package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwrk-planet/chat-service/internal/chat"
)

const (
	defaultWriteWait = 10 * time.Second
	closeWriteWait   = time.Second
)

// wsConn adapts a gorilla connection to chat.Conn.
type wsConn struct {
	conn *websocket.Conn
	id   string
	addr string

	state     atomic.Int32
	sendMu    chan struct{} // one data writer at a time
	closed    chan struct{}
	closeOnce sync.Once
}

func newWsConn(c *websocket.Conn, id, addr string) *wsConn {
	wc := &wsConn{
		conn:   c,
		id:     id,
		addr:   addr,
		sendMu: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	wc.state.Store(int32(chat.StateConnecting))
	return wc
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) State() chat.State { return chat.State(c.state.Load()) }

func (c *wsConn) markConnected() bool {
	return c.state.CompareAndSwap(int32(chat.StateConnecting), int32(chat.StateConnected))
}

// Send writes payload as one text frame. It waits for other writers only as
// long as ctx allows, and uses the ctx deadline as the write deadline.
func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if c.State() == chat.StateClosed {
		return chat.ErrConnClosed
	}

	select {
	case c.sendMu <- struct{}{}:
	case <-c.closed:
		return chat.ErrConnClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", chat.ErrSendTimeout, ctx.Err())
	}
	defer func() { <-c.sendMu }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrConnClosed, err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", chat.ErrSendTimeout, err)
		}
		if isExpectedCloseError(err) || errors.Is(err, websocket.ErrCloseSent) {
			return fmt.Errorf("%w: %v", chat.ErrConnClosed, err)
		}
		return err
	}
	return nil
}

// Close sends a close frame with status and tears the socket down. Only the
// first call has an effect.
func (c *wsConn) Close(status chat.CloseStatus) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(chat.StateClosed))
		close(c.closed)

		msg := websocket.FormatCloseMessage(int(status), closeText(status))
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		if cerr := c.conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	})
	return err
}

func (c *wsConn) ping(wait time.Duration) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
}

func closeText(status chat.CloseStatus) string {
	switch status {
	case chat.CloseServerError:
		return "server error"
	case chat.CloseGoingAway:
		return "server shutting down"
	default:
		return ""
	}
}

// isExpectedCloseError matches errors seen when the peer or we already closed
// the socket.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "websocket: close sent") ||
		strings.Contains(s, "broken pipe")
}
