// internal/transport/transport.go

// Package transport defines the bidirectional message channel to the remote
// coordinator and its websocket implementation. The core depends only on the
// Transport interface; tests substitute fakes.
package transport

import (
	"context"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
)

// Handler consumes the payload of one inbound named event.
type Handler func(payload map[string]interface{})

// Transport is a bidirectional named-event channel with connect/disconnect
// lifecycle notifications. Implementations must be safe for concurrent use.
type Transport interface {
	// Connect dials the coordinator. Lifecycle callbacks registered via
	// OnConnect fire on success.
	Connect(ctx context.Context) error

	// Send delivers one named event to the coordinator. It fails when the
	// transport is not connected.
	Send(ctx context.Context, eventType events.Type, payload map[string]interface{}) error

	// On registers a handler for an inbound event type. Handlers for the
	// same type are invoked in registration order.
	On(eventType events.Type, h Handler)

	// OnConnect registers a callback invoked after each successful dial.
	OnConnect(fn func())

	// OnDisconnect registers a callback invoked when the connection drops,
	// with the error that ended it (nil for a local Close).
	OnDisconnect(fn func(err error))

	// Connected reports whether the transport currently holds a live
	// connection.
	Connected() bool

	// Close tears the connection down without triggering reconnection.
	Close() error
}
