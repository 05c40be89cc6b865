package chat

import "errors"

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrConnClosed       = errors.New("connection closed")
	ErrSendTimeout      = errors.New("send timed out")
)
