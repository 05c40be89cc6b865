package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Codec interface {
	Decode(data []byte) (Message, error)
	Encode(msg Message) ([]byte, error)
}

// JSONCodec is the wire codec used by the websocket transport.
type JSONCodec struct{}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(data), &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg.RoomID = strings.TrimSpace(msg.RoomID)
	if msg.RoomID == "" {
		return Message{}, fmt.Errorf("%w: missing roomId", ErrMalformedMessage)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return msg, nil
}

func (JSONCodec) Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}
