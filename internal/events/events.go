// internal/events/events.go
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Type names a game event on the wire and on the local bus.
type Type string

// Wire event types exchanged with the remote coordinator. Request-style
// events expect a correlated "<verb>-response" from the coordinator.
const (
	TurnStartGame         Type = "turn-start-game"
	TurnStartGameResponse Type = "turn-start-game-response"
	TurnAdvance           Type = "turn-advance"
	TurnAdvanceResponse   Type = "turn-advance-response"
	TurnUpdate            Type = "turn-update"
	TurnStatus            Type = "turn-status"
	TurnStatusResponse    Type = "turn-status-response"
	TurnError             Type = "turn-error"
	CallOpportunity       Type = "call-opportunity"
	CallResponse          Type = "call-response"
	CallResolved          Type = "call-resolved"
	TurnActionRequest     Type = "turn-action-request"
	TurnActionSuccess     Type = "turn-action-success"
	TurnActionRejected    Type = "turn-action-rejected"
	TurnInterrupted       Type = "turn-interrupted"
	GameStateSync         Type = "game-state-sync"
	RequestGameStateSync  Type = "request-game-state-sync"
)

// Local bus-only event types, consumed by the presentation layer.
const (
	GameEnded          Type = "game-ended"
	ConnectionLost     Type = "connection-lost"
	ConnectionRestored Type = "connection-restored"
	RecoveryFailed     Type = "recovery-failed"
	SessionEnded       Type = "session-ended"
)

// Event is the envelope published on the bus and serialized to the wire.
type Event struct {
	Type     Type                   `json:"type"`
	PlayerID uuid.UUID              `json:"playerId,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// Handler consumes one published event.
type Handler func(ev Event)

// Bus is a minimal publish/subscribe fan-out. The core publishes; the
// presentation layer subscribes independently and never reaches into core
// state. Handlers run synchronously in the publisher's goroutine and must
// not block.
type Bus struct {
	mu       sync.RWMutex
	byType   map[Type][]Handler
	catchAll []Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{byType: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], h)
}

// SubscribeAll registers a handler for every published event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, h)
}

// Publish delivers ev to all matching handlers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	typed := b.byType[ev.Type]
	all := b.catchAll
	b.mu.RUnlock()

	for _, h := range typed {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}
