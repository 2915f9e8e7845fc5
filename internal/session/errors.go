package session

import (
	"errors"
	"fmt"

	"github.com/gobwas/ws"
)

// Kind classifies connection failures.
type Kind int

const (
	KindConnectionSetup Kind = iota + 1
	KindMessageHandling
	KindSend
	KindCleanup
)

func (k Kind) String() string {
	switch k {
	case KindConnectionSetup:
		return "connection_setup"
	case KindMessageHandling:
		return "message_handling"
	case KindSend:
		return "send"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Error is a classified connection failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ErrMessageTooLarge is returned by Endpoint.Receive when a client message
// exceeds the configured size limit.
var ErrMessageTooLarge = errors.New("message too large")

// CloseError is returned by Endpoint.Receive when the peer sent a close frame.
type CloseError struct {
	Code   ws.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("peer closed: %d %s", e.Code, e.Reason)
}
