// internal/models/models.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Seat identifies one of the four fixed table positions.
// Seat order is canonical: it drives both turn rotation and wind advancement.
type Seat int

const (
	SeatEast Seat = iota
	SeatSouth
	SeatWest
	SeatNorth
)

// NumSeats is the number of fixed table positions.
const NumSeats = 4

func (s Seat) String() string {
	switch s {
	case SeatEast:
		return "east"
	case SeatSouth:
		return "south"
	case SeatWest:
		return "west"
	case SeatNorth:
		return "north"
	}
	return "unknown"
}

// Wind is the prevailing wind for the current round. It cycles through the
// same four values as Seat, advancing once per round.
type Wind int

const (
	WindEast Wind = iota
	WindSouth
	WindWest
	WindNorth
)

func (w Wind) String() string {
	return Seat(w).String()
}

// Next returns the wind following w in the fixed 4-phase cycle.
func (w Wind) Next() Wind {
	return Wind((int(w) + 1) % NumSeats)
}

// ParseWind maps a wind name back to its value.
func ParseWind(s string) (Wind, bool) {
	switch s {
	case "east":
		return WindEast, true
	case "south":
		return WindSouth, true
	case "west":
		return WindWest, true
	case "north":
		return WindNorth, true
	}
	return WindEast, false
}

// Tile is an opaque tile identifier (e.g. "3B", "flower", "joker").
// The core never interprets tile semantics; pattern matching belongs to the
// advisor layer.
type Tile string

// Player represents one participant at the table.
// Connection status is mutated only by the resilience coordinator; the
// passed-out flag only by the turn state machine.
type Player struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Seat      Seat      `json:"seat"`
	Connected bool      `json:"connected"`
	PassedOut bool      `json:"passedOut"`
}

// ActionKind enumerates the player action types the turn state machine
// validates and applies.
type ActionKind string

const (
	ActionDraw         ActionKind = "draw"
	ActionDiscard      ActionKind = "discard"
	ActionCall         ActionKind = "call"
	ActionJokerSwap    ActionKind = "joker-swap"
	ActionMahjong      ActionKind = "mahjong"
	ActionPassOut      ActionKind = "pass-out"
	ActionOtherMahjong ActionKind = "other-player-mahjong" // administrative override
	ActionGameDrawn    ActionKind = "game-drawn"           // administrative override
)

// ActionRecord is one entry in the append-only action log, consumed for
// game-end statistics and the opponent-behavior feed.
type ActionRecord struct {
	ActorID    uuid.UUID              `json:"actorId"`
	Kind       ActionKind             `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	TurnNumber int                    `json:"turnNumber"`
	Timestamp  time.Time              `json:"timestamp"`
}

// CallType enumerates the exposed-set claims a player can make on a discard.
type CallType string

const (
	CallPung     CallType = "pung"
	CallKong     CallType = "kong"
	CallQuint    CallType = "quint"
	CallExposure CallType = "exposure"
	CallMahjong  CallType = "mahjong"
)
