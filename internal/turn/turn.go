// internal/turn/turn.go

// Package turn owns whose turn it is. It is the single writer of
// CurrentPlayerID: remote turn updates and player actions alike are funneled
// through RecordAction/Advance/ApplyAuthoritative, never written directly.
package turn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/queue"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/timers"
)

// timeNow is swapped out by tests.
var timeNow = time.Now

// Phase is the lifecycle state of the turn machine.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseActive
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseActive:
		return "active"
	case PhaseFinished:
		return "finished"
	}
	return "unknown"
}

// EndType classifies how a game ended.
type EndType string

const (
	EndWallExhausted EndType = "wall_exhausted"
	EndAllPassedOut  EndType = "all_passed_out"
	EndForfeit       EndType = "forfeit"
	EndMahjong       EndType = "mahjong"
)

// Context is the turn-ownership view shared with the rest of the core.
// TurnOrder is always a permutation of the non-passed-out players; while the
// game is active CurrentPlayerID is a member of TurnOrder.
type Context struct {
	TurnOrder       []uuid.UUID `json:"turnOrder"`
	CurrentPlayerID uuid.UUID   `json:"currentPlayerId"`
	TurnNumber      int         `json:"turnNumber"`
	RoundNumber     int         `json:"roundNumber"`
	CurrentWind     models.Wind `json:"currentWind"`
	TurnStartTime   time.Time   `json:"turnStartTime"`
}

func (c Context) clone() Context {
	out := c
	out.TurnOrder = append([]uuid.UUID{}, c.TurnOrder...)
	return out
}

// GameEnd describes a finished game.
type GameEnd struct {
	Type     EndType                `json:"type"`
	WinnerID uuid.UUID              `json:"winnerId,omitempty"`
	EndedAt  time.Time              `json:"endedAt"`
	Stats    map[string]interface{} `json:"stats,omitempty"`
}

// ValidationError reports an illegal action. It is surfaced to the acting
// player only and never retried or sent to the coordinator.
type ValidationError struct {
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("turn: %s: %s", e.Rule, e.Message)
}

// Lifecycle errors.
var (
	ErrAlreadyInitialized = errors.New("turn: already initialized")
	ErrNotActive          = errors.New("turn: game not active")
	ErrNotStartedPhase    = errors.New("turn: not in not-started phase")
)

// Recorder receives the append-only action log.
type Recorder interface {
	Record(rec models.ActionRecord)
}

// Outbound is the slice of the delivery queue the turn machine enqueues to.
type Outbound interface {
	Enqueue(ev *queue.Event) error
}

// DiscardFunc is invoked after a successful discard to open a call
// opportunity window. eligible is ordered by turn-order distance from the
// discarder, nearest first. When nil, or when no players are eligible,
// rotation advances immediately.
type DiscardFunc func(tile models.Tile, discarder uuid.UUID, eligible []uuid.UUID)

// Config tunes the turn machine.
type Config struct {
	WallTiles    int           // total drawable tiles at start (default 152)
	TurnDuration time.Duration // per-turn countdown; 0 disables the timer
}

// Service is the turn state machine.
type Service struct {
	mu  sync.Mutex
	log *logrus.Entry

	bus      *events.Bus
	outbound Outbound
	recorder Recorder

	cfg Config

	phase   Phase
	players map[uuid.UUID]*models.Player
	seats   []uuid.UUID // fixed seat order, including passed-out players

	ctx         Context // working view (may be speculative)
	confirmed   Context // last authoritative view
	speculative bool

	hasDrawn      bool
	wallRemaining int
	discardPile   []models.Tile
	exposed       map[uuid.UUID][][]models.Tile

	end *GameEnd

	onDiscard DiscardFunc
	turnTimer timers.Timer
}

// New creates a turn service. bus is required; outbound and recorder may be
// nil (events are then bus-local and unlogged).
func New(cfg Config, bus *events.Bus, outbound Outbound, recorder Recorder, log *logrus.Logger) *Service {
	if cfg.WallTiles <= 0 {
		cfg.WallTiles = 152
	}
	return &Service{
		log:      log.WithField("component", "turn"),
		bus:      bus,
		outbound: outbound,
		recorder: recorder,
		cfg:      cfg,
		players:  make(map[uuid.UUID]*models.Player),
		exposed:  make(map[uuid.UUID][][]models.Tile),
	}
}

// SetDiscardFunc wires the call-opportunity opener. Must be called before
// Start.
func (s *Service) SetDiscardFunc(fn DiscardFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDiscard = fn
}

// Initialize seats the players in the fixed rotation and resets counters.
// Legal only before the game has started.
func (s *Service) Initialize(players []*models.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseNotStarted {
		return ErrAlreadyInitialized
	}
	if len(players) == 0 || len(players) > models.NumSeats {
		return fmt.Errorf("turn: need 1..%d players, got %d", models.NumSeats, len(players))
	}

	s.players = make(map[uuid.UUID]*models.Player, len(players))
	s.seats = make([]uuid.UUID, 0, len(players))
	order := make([]uuid.UUID, 0, len(players))

	// Canonical seat order: east, south, west, north. Wind advancement
	// walks the same order.
	bySeat := make([]*models.Player, models.NumSeats)
	for _, p := range players {
		if p.Seat < 0 || int(p.Seat) >= models.NumSeats {
			return fmt.Errorf("turn: player %s has invalid seat %d", p.ID, p.Seat)
		}
		if bySeat[p.Seat] != nil {
			return fmt.Errorf("turn: seat %s assigned twice", p.Seat)
		}
		bySeat[p.Seat] = p
	}
	for _, p := range bySeat {
		if p == nil {
			continue
		}
		s.players[p.ID] = p
		s.seats = append(s.seats, p.ID)
		if !p.PassedOut {
			order = append(order, p.ID)
		}
	}

	s.ctx = Context{
		TurnOrder:   order,
		TurnNumber:  0,
		RoundNumber: 1,
		CurrentWind: models.WindEast,
	}
	s.confirmed = s.ctx.clone()
	s.speculative = false
	s.wallRemaining = s.cfg.WallTiles
	s.discardPile = nil
	s.exposed = make(map[uuid.UUID][][]models.Tile)
	s.end = nil

	s.log.WithField("players", len(s.seats)).Info("turn machine initialized")
	return nil
}

// Start moves NotStarted → Active, giving the first seat the turn.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseNotStarted {
		return ErrNotStartedPhase
	}
	if len(s.ctx.TurnOrder) == 0 {
		return errors.New("turn: no active players")
	}

	s.phase = PhaseActive
	s.ctx.CurrentPlayerID = s.ctx.TurnOrder[0]
	s.ctx.TurnNumber = 1
	s.ctx.TurnStartTime = time.Now()
	s.hasDrawn = false

	s.record(uuid.Nil, "game_start", nil)
	s.enqueueOutbound(events.TurnStartGame, queue.PriorityCritical, map[string]interface{}{
		"currentPlayerId": s.ctx.CurrentPlayerID.String(),
		"turnNumber":      s.ctx.TurnNumber,
	})
	s.publishTurnUpdateLocked()
	s.scheduleTurnTimerLocked()
	s.checkGameEndLocked()

	s.log.WithField("player_id", s.ctx.CurrentPlayerID).Info("game started")
	return nil
}

// Advance moves the turn to the next non-passed-out seat. Every full lap of
// the table increments the round number and rotates the prevailing wind.
func (s *Service) Advance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked()
}

func (s *Service) advanceLocked() error {
	cur := -1
	for i, id := range s.ctx.TurnOrder {
		if id == s.ctx.CurrentPlayerID {
			cur = i
			break
		}
	}
	next := 0
	if cur >= 0 {
		next = (cur + 1) % len(s.ctx.TurnOrder)
	}
	return s.advanceToLocked(next)
}

// advanceToLocked hands the turn to the rotation slot at next. Pass-out
// removal shifts the following seat into the removed holder's slot, so the
// removing caller passes the old index unchanged.
func (s *Service) advanceToLocked(next int) error {
	if s.phase != PhaseActive {
		return ErrNotActive
	}
	if len(s.ctx.TurnOrder) == 0 {
		return errors.New("turn: no active players to advance to")
	}

	s.ctx.CurrentPlayerID = s.ctx.TurnOrder[next%len(s.ctx.TurnOrder)]
	s.ctx.TurnNumber++
	s.ctx.TurnStartTime = time.Now()
	s.hasDrawn = false
	s.speculative = true

	// TurnNumber re-enters the first seat of a lap every NumSeats turns.
	if (s.ctx.TurnNumber-1)%models.NumSeats == 0 {
		s.ctx.RoundNumber++
		s.ctx.CurrentWind = s.ctx.CurrentWind.Next()
		s.log.WithFields(logrus.Fields{
			"round": s.ctx.RoundNumber,
			"wind":  s.ctx.CurrentWind.String(),
		}).Info("round advanced")
	}

	s.record(s.ctx.CurrentPlayerID, "turn_advance", map[string]interface{}{"turn": s.ctx.TurnNumber})
	s.enqueueOutbound(events.TurnAdvance, queue.PriorityHigh, map[string]interface{}{
		"currentPlayerId": s.ctx.CurrentPlayerID.String(),
		"turnNumber":      s.ctx.TurnNumber,
		"roundNumber":     s.ctx.RoundNumber,
		"currentWind":     s.ctx.CurrentWind.String(),
	})
	s.publishTurnUpdateLocked()
	s.scheduleTurnTimerLocked()
	s.checkGameEndLocked()
	return nil
}

// MarkPassedOut removes a player from active rotation. If they held the
// turn it advances; the end-of-game checks run afterwards.
func (s *Service) MarkPassedOut(playerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markPassedOutLocked(playerID)
}

func (s *Service) markPassedOutLocked(playerID uuid.UUID) error {
	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("turn: unknown player %s", playerID)
	}
	if p.PassedOut {
		return nil
	}
	p.PassedOut = true

	heldTurn := s.ctx.CurrentPlayerID == playerID
	holderIdx := -1
	kept := s.ctx.TurnOrder[:0]
	for i, id := range s.ctx.TurnOrder {
		if id == playerID {
			holderIdx = i
			continue
		}
		kept = append(kept, id)
	}
	s.ctx.TurnOrder = kept
	s.speculative = true

	s.record(playerID, models.ActionPassOut, nil)
	s.log.WithFields(logrus.Fields{
		"player_id": playerID,
		"active":    len(s.ctx.TurnOrder),
	}).Info("player passed out")

	if s.checkGameEndLocked() {
		return nil
	}
	if heldTurn && s.phase == PhaseActive && len(s.ctx.TurnOrder) > 0 {
		// The seat after the removed holder now occupies the holder's
		// old rotation slot.
		return s.advanceToLocked(holderIdx)
	}
	s.publishTurnUpdateLocked()
	return nil
}

// checkGameEndLocked evaluates the end-of-game conditions. Returns true if
// the game ended.
func (s *Service) checkGameEndLocked() bool {
	if s.phase != PhaseActive || s.end != nil {
		return s.end != nil
	}

	active := len(s.ctx.TurnOrder)
	passedOut := 0
	for _, p := range s.players {
		if p.PassedOut {
			passedOut++
		}
	}
	total := len(s.seats)

	switch {
	case s.wallRemaining < 2*active:
		s.endGameLocked(EndWallExhausted, uuid.Nil)
	case total > 0 && passedOut >= total-1 && passedOut > 0:
		winner := uuid.Nil
		if active == 1 {
			winner = s.ctx.TurnOrder[0]
		}
		s.endGameLocked(EndAllPassedOut, winner)
	case active <= 1 && total > 1:
		winner := uuid.Nil
		if active == 1 {
			winner = s.ctx.TurnOrder[0]
		}
		s.endGameLocked(EndForfeit, winner)
	default:
		return false
	}
	return true
}

// endGameLocked finalizes the game and publishes the result.
func (s *Service) endGameLocked(endType EndType, winner uuid.UUID) {
	if s.end != nil {
		return
	}
	s.phase = PhaseFinished
	s.end = &GameEnd{
		Type:     endType,
		WinnerID: winner,
		EndedAt:  time.Now(),
		Stats: map[string]interface{}{
			"turns":         s.ctx.TurnNumber,
			"rounds":        s.ctx.RoundNumber,
			"wallRemaining": s.wallRemaining,
			"discards":      len(s.discardPile),
		},
	}
	s.turnTimer.Cancel()

	s.record(winner, "game_end", map[string]interface{}{"endType": string(endType)})
	payload := map[string]interface{}{
		"endType": string(endType),
		"stats":   s.end.Stats,
	}
	if winner != uuid.Nil {
		payload["winnerId"] = winner.String()
	}
	s.enqueueOutbound(events.TurnUpdate, queue.PriorityCritical, payload)
	s.bus.Publish(events.Event{Type: events.GameEnded, PlayerID: winner, Payload: payload})

	s.log.WithFields(logrus.Fields{
		"end_type":  endType,
		"winner_id": winner,
		"turns":     s.ctx.TurnNumber,
	}).Info("game ended")
}

// scheduleTurnTimerLocked restarts the per-turn countdown for the current
// holder. On expiry the timeout is reported locally; if the holder is
// disconnected the turn advances past them — the companion is not
// authoritative, so no action is forced on a connected holder.
func (s *Service) scheduleTurnTimerLocked() {
	if s.cfg.TurnDuration <= 0 || s.phase != PhaseActive {
		s.turnTimer.Cancel()
		return
	}
	holder := s.ctx.CurrentPlayerID
	turn := s.ctx.TurnNumber
	s.turnTimer.Start(s.cfg.TurnDuration, func() {
		s.handleTurnTimeout(holder, turn)
	})
}

func (s *Service) handleTurnTimeout(holder uuid.UUID, turn int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseActive || s.ctx.TurnNumber != turn || s.ctx.CurrentPlayerID != holder {
		return
	}
	s.log.WithFields(logrus.Fields{
		"player_id": holder,
		"turn":      turn,
	}).Warn("turn timer expired")
	s.record(holder, "turn_timeout", map[string]interface{}{"turn": turn})
	s.bus.Publish(events.Event{
		Type:     events.TurnError,
		PlayerID: holder,
		Payload:  map[string]interface{}{"reason": "turn_timeout", "turn": turn},
	})

	if p, ok := s.players[holder]; ok && !p.Connected {
		_ = s.advanceLocked()
	}
}

// publishTurnUpdateLocked pushes the current ownership view onto the bus.
func (s *Service) publishTurnUpdateLocked() {
	s.bus.Publish(events.Event{
		Type:     events.TurnUpdate,
		PlayerID: s.ctx.CurrentPlayerID,
		Payload: map[string]interface{}{
			"currentPlayerId": s.ctx.CurrentPlayerID.String(),
			"turnNumber":      s.ctx.TurnNumber,
			"roundNumber":     s.ctx.RoundNumber,
			"currentWind":     s.ctx.CurrentWind.String(),
			"speculative":     s.speculative,
		},
	})
}

// enqueueOutbound pushes one event into the delivery queue.
func (s *Service) enqueueOutbound(t events.Type, prio queue.Priority, payload map[string]interface{}) {
	if s.outbound == nil {
		return
	}
	if err := s.outbound.Enqueue(&queue.Event{
		Service:  "turn",
		Type:     t,
		Payload:  payload,
		Priority: prio,
	}); err != nil {
		s.log.WithError(err).WithField("event", t).Warn("failed to enqueue outbound event")
	}
}

// record appends one entry to the action log.
func (s *Service) record(actor uuid.UUID, kind models.ActionKind, payload map[string]interface{}) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(models.ActionRecord{
		ActorID:    actor,
		Kind:       kind,
		Payload:    payload,
		TurnNumber: s.ctx.TurnNumber,
		Timestamp:  time.Now(),
	})
}
