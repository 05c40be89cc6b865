// Package chat holds the types shared by the registry, rooms, router and
// transports: the connection contract, the message model and its codec.
package chat

import "context"

// CloseStatus is a websocket close code.
type CloseStatus int

const (
	CloseNormal      CloseStatus = 1000
	CloseGoingAway   CloseStatus = 1001
	CloseServerError CloseStatus = 1011
)

// State is the lifecycle of a connection: Connecting -> Connected -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one client connection as seen by the core. Send must be safe for
// concurrent use and must give up once ctx is done. Close is idempotent.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close(status CloseStatus) error
}
