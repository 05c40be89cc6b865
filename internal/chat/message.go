package chat

import "encoding/json"

// MessageType decides which membership side-effect a message has.
// Values outside the known set are routed like TALK.
type MessageType string

const (
	TypeJoin  MessageType = "JOIN"
	TypeTalk  MessageType = "TALK"
	TypeLeave MessageType = "LEAVE"

	// older clients announce themselves with ENTER
	typeEnter MessageType = "ENTER"
)

func (t MessageType) IsJoin() bool  { return t == TypeJoin || t == typeEnter }
func (t MessageType) IsLeave() bool { return t == TypeLeave }

// Known reports whether t is one of the types the router has side-effects for.
func (t MessageType) Known() bool {
	return t.IsJoin() || t.IsLeave() || t == TypeTalk
}

// Message is the wire envelope. Top-level fields other than these four are
// dropped when a message is decoded and forwarded.
type Message struct {
	Type    MessageType     `json:"type"`
	RoomID  string          `json:"roomId"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content,omitempty"`
}
