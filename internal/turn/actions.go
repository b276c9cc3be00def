// internal/turn/actions.go
package turn

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/queue"
)

// RecordAction validates and applies one player action. Any violation
// returns a ValidationError naming the violated rule and mutates nothing.
func (s *Service) RecordAction(actorID uuid.UUID, kind models.ActionKind, payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseActive {
		return ErrNotActive
	}
	if _, ok := s.players[actorID]; !ok {
		return &ValidationError{Rule: "unknown-player", Message: fmt.Sprintf("player %s is not seated", actorID)}
	}

	isCurrent := s.ctx.CurrentPlayerID == actorID

	switch kind {
	case models.ActionDraw:
		if !isCurrent {
			return &ValidationError{Rule: "not-your-turn", Message: "only the current player may draw"}
		}
		if s.hasDrawn {
			return &ValidationError{Rule: "already-drawn", Message: "already drew a tile this turn"}
		}
		if s.wallRemaining <= 0 {
			return &ValidationError{Rule: "wall-empty", Message: "no tiles remain in the wall"}
		}
		s.applyDrawLocked(actorID, payload)

	case models.ActionDiscard:
		if !isCurrent {
			return &ValidationError{Rule: "not-your-turn", Message: "only the current player may discard"}
		}
		if !s.hasDrawn {
			return &ValidationError{Rule: "must-draw-first", Message: "draw a tile before discarding"}
		}
		tile, ok := tileFromPayload(payload)
		if !ok {
			return &ValidationError{Rule: "tile-required", Message: "discard must name a tile"}
		}
		s.applyDiscardLocked(actorID, tile, payload)

	case models.ActionCall:
		if isCurrent {
			return &ValidationError{Rule: "own-discard", Message: "a player cannot call their own discard"}
		}
		s.record(actorID, models.ActionCall, payload)
		s.speculative = true

	case models.ActionMahjong:
		if !isCurrent {
			return &ValidationError{Rule: "not-your-turn", Message: "only the current player may declare mahjong"}
		}
		s.record(actorID, models.ActionMahjong, payload)
		s.endGameLocked(EndMahjong, actorID)

	case models.ActionJokerSwap:
		// Manual-correction action: legal at any time, but the swapped
		// tile must be named.
		if _, ok := tileFromPayload(payload); !ok {
			return &ValidationError{Rule: "tile-required", Message: "joker swap must name a tile"}
		}
		s.record(actorID, models.ActionJokerSwap, payload)
		s.speculative = true

	case models.ActionPassOut:
		return s.markPassedOutLocked(actorID)

	case models.ActionOtherMahjong:
		winner, err := playerIDFromPayload(payload, "winnerId")
		if err != nil {
			return &ValidationError{Rule: "winner-required", Message: err.Error()}
		}
		if _, ok := s.players[winner]; !ok {
			return &ValidationError{Rule: "unknown-player", Message: fmt.Sprintf("winner %s is not seated", winner)}
		}
		s.record(actorID, models.ActionOtherMahjong, payload)
		s.endGameLocked(EndMahjong, winner)

	case models.ActionGameDrawn:
		s.record(actorID, models.ActionGameDrawn, payload)
		s.endGameLocked(EndWallExhausted, uuid.Nil)

	default:
		return &ValidationError{Rule: "unknown-action", Message: fmt.Sprintf("unsupported action kind %q", kind)}
	}

	return nil
}

// applyDrawLocked applies a validated draw.
func (s *Service) applyDrawLocked(actorID uuid.UUID, payload map[string]interface{}) {
	s.hasDrawn = true
	s.wallRemaining--
	s.speculative = true
	s.record(actorID, models.ActionDraw, payload)
	s.enqueueOutbound(events.TurnActionRequest, queue.PriorityHigh, map[string]interface{}{
		"action":   string(models.ActionDraw),
		"playerId": actorID.String(),
		"turn":     s.ctx.TurnNumber,
	})
	s.checkGameEndLocked()
}

// applyDiscardLocked appends the tile to the discard pile, then either opens
// a call-opportunity window for the remaining eligible players or, when none
// exist, advances rotation directly.
func (s *Service) applyDiscardLocked(actorID uuid.UUID, tile models.Tile, payload map[string]interface{}) {
	s.discardPile = append(s.discardPile, tile)
	s.speculative = true
	s.record(actorID, models.ActionDiscard, payload)
	s.enqueueOutbound(events.TurnActionRequest, queue.PriorityHigh, map[string]interface{}{
		"action":   string(models.ActionDiscard),
		"playerId": actorID.String(),
		"tile":     string(tile),
		"turn":     s.ctx.TurnNumber,
	})

	if s.checkGameEndLocked() {
		return
	}

	eligible := s.eligibleCallersLocked(actorID)
	if s.onDiscard != nil && len(eligible) > 0 {
		fn := s.onDiscard
		// The resolver (or its deadline) decides whether rotation
		// continues or the turn is interrupted.
		s.mu.Unlock()
		fn(tile, actorID, eligible)
		s.mu.Lock()
		return
	}
	_ = s.advanceLocked()
}

// eligibleCallersLocked returns the non-passed-out players other than the
// discarder, ordered by turn-order distance from the discarder, nearest
// first. The caller's call priority is its position in this slice.
func (s *Service) eligibleCallersLocked(discarder uuid.UUID) []uuid.UUID {
	n := len(s.ctx.TurnOrder)
	if n == 0 {
		return nil
	}
	start := -1
	for i, id := range s.ctx.TurnOrder {
		if id == discarder {
			start = i
			break
		}
	}
	if start == -1 {
		// Discarder already out of rotation; distance is measured from
		// the current holder instead.
		start = 0
	}
	out := make([]uuid.UUID, 0, n-1)
	for d := 1; d < n; d++ {
		id := s.ctx.TurnOrder[(start+d)%n]
		if id != discarder {
			out = append(out, id)
		}
	}
	return out
}

// ApplyCallWin applies a winning call: the claimed tiles (including the
// discard) move to the winner's exposed set and the winner takes the turn
// immediately, interrupting normal rotation. The winner still owes a
// discard, so their drawn flag is set.
func (s *Service) ApplyCallWin(winnerID uuid.UUID, callType models.CallType, tiles []models.Tile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseActive {
		return ErrNotActive
	}
	if _, ok := s.players[winnerID]; !ok {
		return fmt.Errorf("turn: unknown call winner %s", winnerID)
	}

	// The claimed discard leaves the pile.
	if len(s.discardPile) > 0 {
		s.discardPile = s.discardPile[:len(s.discardPile)-1]
	}
	set := append([]models.Tile{}, tiles...)
	s.exposed[winnerID] = append(s.exposed[winnerID], set)

	s.ctx.CurrentPlayerID = winnerID
	s.ctx.TurnStartTime = timeNow()
	s.hasDrawn = true
	s.speculative = true

	s.record(winnerID, models.ActionCall, map[string]interface{}{
		"callType": string(callType),
		"tiles":    tilesToStrings(tiles),
	})
	s.enqueueOutbound(events.TurnInterrupted, queue.PriorityHigh, map[string]interface{}{
		"winnerId": winnerID.String(),
		"callType": string(callType),
		"turn":     s.ctx.TurnNumber,
	})
	s.publishTurnUpdateLocked()
	s.scheduleTurnTimerLocked()

	if callType == models.CallMahjong {
		s.endGameLocked(EndMahjong, winnerID)
	}
	s.log.WithFields(logrus.Fields{
		"winner_id": winnerID,
		"call_type": callType,
	}).Info("call applied, rotation interrupted")
	return nil
}

// AuthoritativeUpdate is the coordinator's view of turn ownership. Applying
// one discards any speculative local state wholesale.
type AuthoritativeUpdate struct {
	TurnOrder       []uuid.UUID `json:"turnOrder"`
	CurrentPlayerID uuid.UUID   `json:"currentPlayerId"`
	TurnNumber      int         `json:"turnNumber"`
	RoundNumber     int         `json:"roundNumber"`
	CurrentWind     models.Wind `json:"currentWind"`
	HasDrawn        bool        `json:"hasDrawn"`
	WallRemaining   int         `json:"wallRemaining"`
}

// ApplyAuthoritative overwrites the local view with the coordinator's.
// Confirmed always wins; nothing is merged.
func (s *Service) ApplyAuthoritative(u AuthoritativeUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(u.TurnOrder) > 0 {
		s.ctx.TurnOrder = append([]uuid.UUID{}, u.TurnOrder...)
	}
	s.ctx.CurrentPlayerID = u.CurrentPlayerID
	s.ctx.TurnNumber = u.TurnNumber
	s.ctx.RoundNumber = u.RoundNumber
	s.ctx.CurrentWind = u.CurrentWind
	s.ctx.TurnStartTime = timeNow()
	s.hasDrawn = u.HasDrawn
	if u.WallRemaining > 0 {
		s.wallRemaining = u.WallRemaining
	}
	s.confirmed = s.ctx.clone()
	s.speculative = false

	if s.phase == PhaseActive {
		s.scheduleTurnTimerLocked()
	}
	s.publishTurnUpdateLocked()
	s.log.WithFields(logrus.Fields{
		"player_id": u.CurrentPlayerID,
		"turn":      u.TurnNumber,
	}).Debug("authoritative turn update applied")
}

// Shutdown cancels timers. The service is not reusable afterwards.
func (s *Service) Shutdown() {
	s.turnTimer.Cancel()
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Phase returns the lifecycle phase.
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns a copy of the current turn context.
func (s *Service) Snapshot() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.clone()
}

// Speculative reports whether the local view has mutations not yet confirmed
// by the coordinator.
func (s *Service) Speculative() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speculative
}

// HasDrawn reports whether the current holder has drawn this turn.
func (s *Service) HasDrawn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasDrawn
}

// WallRemaining returns the number of drawable tiles left.
func (s *Service) WallRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallRemaining
}

// DiscardPile returns a copy of the discard pile, oldest first.
func (s *Service) DiscardPile() []models.Tile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Tile{}, s.discardPile...)
}

// Exposed returns the winner's exposed sets.
func (s *Service) Exposed(playerID uuid.UUID) [][]models.Tile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]models.Tile, len(s.exposed[playerID]))
	for i, set := range s.exposed[playerID] {
		out[i] = append([]models.Tile{}, set...)
	}
	return out
}

// Result returns the game-end result, or nil while the game is running.
func (s *Service) Result() *GameEnd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end == nil {
		return nil
	}
	out := *s.end
	return &out
}

// SetConnected updates a player's connection flag. Called by the resilience
// coordinator only.
func (s *Service) SetConnected(playerID uuid.UUID, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.players[playerID]; ok {
		p.Connected = connected
	}
}

// ---------------------------------------------------------------------------
// Payload helpers
// ---------------------------------------------------------------------------

func tileFromPayload(payload map[string]interface{}) (models.Tile, bool) {
	raw, ok := payload["tile"]
	if !ok {
		return "", false
	}
	str, ok := raw.(string)
	if !ok || str == "" {
		return "", false
	}
	return models.Tile(str), true
}

func playerIDFromPayload(payload map[string]interface{}, key string) (uuid.UUID, error) {
	raw, ok := payload[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("payload missing %q", key)
	}
	str, ok := raw.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("payload %q must be a string id", key)
	}
	id, err := uuid.Parse(str)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payload %q: %w", key, err)
	}
	return id, nil
}

func tilesToStrings(tiles []models.Tile) []string {
	out := make([]string, len(tiles))
	for i, t := range tiles {
		out[i] = string(t)
	}
	return out
}
