// Package pubsub is a small generic fan-out broker used for in-process
// event delivery: the durable event bus, log streaming, and anything else
// that needs best-effort broadcast without coupling to the daemon's wiring.
package pubsub

import "time"

// EventType labels what happened to the payload.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event carries a typed payload with its publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
