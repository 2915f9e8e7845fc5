// Package broadcast defines the pub/sub fan-out used to reach every open
// connection, with an in-process implementation and a NATS-backed one.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// GlobalGroup is the single chat room every connection joins.
const GlobalGroup = "chat-global"

type EventType string

const (
	EventHeartbeat EventType = "heartbeat"
	EventShutdown  EventType = "shutdown"
)

var ErrClosed = errors.New("broadcast: group closed")

// Event is the payload published to a group.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HeartbeatPayload is relayed verbatim to clients.
type HeartbeatPayload struct {
	TS string `json:"ts"`
}

type ShutdownPayload struct {
	Reason string `json:"reason"`
}

// NewEvent encodes payload into an Event.
func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: data}, nil
}

// Member receives events published to the groups it joined. Deliver must not
// block the publisher.
type Member interface {
	Deliver(ev Event)
}

// Group is the fan-out primitive the connection handler depends on.
type Group interface {
	Join(ctx context.Context, group string, m Member) error
	Leave(ctx context.Context, group string, m Member) error
	Publish(ctx context.Context, group string, ev Event) error
}
