package client

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("connection manager closed")
	ErrNotConnected    = errors.New("transport is not connected")
	ErrConnectRejected = errors.New("connect rejected by broker")
	ErrPublish         = errors.New("publish failed")
)

// ConnectError is returned when the broker answers CONNECT with an ERROR frame.
type ConnectError struct {
	Message string
	Detail  string
}

func (e *ConnectError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("connect rejected: %s: %s", e.Message, e.Detail)
	}
	return fmt.Sprintf("connect rejected: %s", e.Message)
}

func (e *ConnectError) Unwrap() error {
	return ErrConnectRejected
}

// IsConnectRejected reports whether err came from a CONNECT rejection.
func IsConnectRejected(err error) bool {
	return errors.Is(err, ErrConnectRejected)
}
