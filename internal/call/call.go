// internal/call/call.go

// Package call implements the time-boxed competitive resolution of discard
// claims. A window opens on each discard; eligible players submit call or
// pass responses until the deadline, and the lowest-priority caller (closest
// in turn order to the discarder) wins the tile and the turn.
package call

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/queue"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/timers"
)

// State is the window lifecycle: Closed → Open(deadline) → Resolved.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateResolved:
		return "resolved"
	}
	return "unknown"
}

// Response choices.
const (
	ResponseCall = "call"
	ResponsePass = "pass"
)

// sentinel priority for a responder missing from the eligible list; ties
// (including sentinel ties) break by submission order, first wins.
const priorityNotFound = 1 << 20

// Response is one player's answer for the open window. A resubmission from
// the same player overwrites the earlier one.
type Response struct {
	PlayerID uuid.UUID       `json:"playerId"`
	Response string          `json:"response"`
	CallType models.CallType `json:"callType,omitempty"`
	Tiles    []models.Tile   `json:"tiles,omitempty"`
	Priority int             `json:"priority"`

	seq int // arrival order, for deterministic tie-breaking
}

// Outcome is the result of resolving a window. Resolve is idempotent: every
// call after the first returns the same Outcome without side effects.
type Outcome struct {
	Winner   *Response
	Executed bool
}

// Opportunity describes the open window.
type Opportunity struct {
	Tile        models.Tile   `json:"tile"`
	DiscarderID uuid.UUID     `json:"discarderId"`
	Eligible    []uuid.UUID   `json:"eligible"`
	Duration    time.Duration `json:"duration"`
	Deadline    time.Time     `json:"deadline"`
}

// WinFunc applies a winning claim (wired to the turn machine's ApplyCallWin).
type WinFunc func(winner uuid.UUID, callType models.CallType, tiles []models.Tile) error

// PassFunc continues normal rotation after a window with no winning call.
type PassFunc func()

// Outbound is the slice of the delivery queue the resolver enqueues to.
type Outbound interface {
	Enqueue(ev *queue.Event) error
}

// Errors returned by SubmitResponse.
var (
	ErrWindowClosed   = errors.New("call: no call opportunity is open")
	ErrDeadlinePassed = errors.New("call: response submitted after deadline")
	ErrBadResponse    = errors.New("call: response must be call or pass")
)

// Resolver runs one call-opportunity window at a time.
type Resolver struct {
	mu  sync.Mutex
	log *logrus.Entry

	bus      *events.Bus
	outbound Outbound

	state     State
	opp       Opportunity
	responses map[uuid.UUID]*Response
	nextSeq   int
	outcome   Outcome

	onWin  WinFunc
	onPass PassFunc

	deadline timers.Timer
	now      func() time.Time
}

// New creates a closed resolver.
func New(bus *events.Bus, outbound Outbound, log *logrus.Logger) *Resolver {
	return &Resolver{
		log:       log.WithField("component", "call"),
		bus:       bus,
		outbound:  outbound,
		responses: make(map[uuid.UUID]*Response),
		now:       time.Now,
	}
}

// SetHandlers wires the resolution callbacks. Must be called before Open.
func (r *Resolver) SetHandlers(onWin WinFunc, onPass PassFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWin = onWin
	r.onPass = onPass
}

// Open starts a window for the discarded tile. Prior responses are cleared
// and the deadline timer is started as the resolution backstop: players who
// never respond are treated as having passed when it fires.
func (r *Resolver) Open(tile models.Tile, discarder uuid.UUID, eligible []uuid.UUID, duration time.Duration) {
	r.mu.Lock()

	r.responses = make(map[uuid.UUID]*Response)
	r.nextSeq = 0
	r.outcome = Outcome{}
	r.opp = Opportunity{
		Tile:        tile,
		DiscarderID: discarder,
		Eligible:    append([]uuid.UUID{}, eligible...),
		Duration:    duration,
		Deadline:    r.now().Add(duration),
	}
	r.state = StateOpen

	r.deadline.Start(duration, func() {
		r.Resolve()
	})

	payload := map[string]interface{}{
		"tile":        string(tile),
		"discarderId": discarder.String(),
		"durationMs":  duration.Milliseconds(),
		"deadline":    r.opp.Deadline.UnixMilli(),
	}
	r.mu.Unlock()

	r.bus.Publish(events.Event{Type: events.CallOpportunity, PlayerID: discarder, Payload: payload})
	r.enqueue(events.CallOpportunity, queue.PriorityHigh, payload)
	r.log.WithFields(logrus.Fields{
		"tile":     tile,
		"eligible": len(eligible),
		"duration": duration,
	}).Info("call opportunity opened")
}

// SubmitResponse records one player's answer. Accepted only while the window
// is open and before the deadline; a later submission from the same player
// overwrites the earlier one. When every eligible player has answered the
// window resolves early.
func (r *Resolver) SubmitResponse(playerID uuid.UUID, response string, callType models.CallType, tiles []models.Tile) error {
	r.mu.Lock()

	if r.state != StateOpen {
		r.mu.Unlock()
		return ErrWindowClosed
	}
	if r.now().After(r.opp.Deadline) {
		r.mu.Unlock()
		return ErrDeadlinePassed
	}
	if response != ResponseCall && response != ResponsePass {
		r.mu.Unlock()
		return ErrBadResponse
	}

	r.nextSeq++
	r.responses[playerID] = &Response{
		PlayerID: playerID,
		Response: response,
		CallType: callType,
		Tiles:    append([]models.Tile{}, tiles...),
		Priority: r.priorityOf(playerID),
		seq:      r.nextSeq,
	}

	payload := map[string]interface{}{
		"playerId": playerID.String(),
		"response": response,
	}
	if response == ResponseCall {
		payload["callType"] = string(callType)
		payload["tiles"] = tilesToStrings(tiles)
	}

	unanimous := len(r.responses) >= len(r.opp.Eligible)
	r.mu.Unlock()

	r.enqueue(events.CallResponse, queue.PriorityHigh, payload)
	r.bus.Publish(events.Event{Type: events.CallResponse, PlayerID: playerID, Payload: payload})

	if unanimous {
		// Early resolution; the deadline timer remains the backstop and
		// is cancelled inside Resolve.
		r.Resolve()
	}
	return nil
}

// priorityOf is the turn-order distance from the discarder: position in the
// eligible slice, nearest seat first. Unknown responders share a sentinel.
func (r *Resolver) priorityOf(playerID uuid.UUID) int {
	for i, id := range r.opp.Eligible {
		if id == playerID {
			return i + 1
		}
	}
	return priorityNotFound
}

// Resolve closes the window and applies the winning claim, if any. Eligible
// players who never responded are treated as having passed. Idempotent:
// subsequent calls return the memoized outcome with no side effects.
func (r *Resolver) Resolve() Outcome {
	r.mu.Lock()

	if r.state == StateResolved {
		out := r.outcome
		r.mu.Unlock()
		return out
	}
	if r.state != StateOpen {
		r.mu.Unlock()
		return Outcome{}
	}

	r.state = StateResolved
	r.deadline.Cancel()

	var winner *Response
	for _, resp := range r.responses {
		if resp.Response != ResponseCall {
			continue
		}
		if winner == nil ||
			resp.Priority < winner.Priority ||
			(resp.Priority == winner.Priority && resp.seq < winner.seq) {
			winner = resp
		}
	}

	r.outcome = Outcome{Winner: winner, Executed: winner != nil}
	out := r.outcome
	opp := r.opp
	onWin := r.onWin
	onPass := r.onPass
	r.mu.Unlock()

	payload := map[string]interface{}{
		"tile":     string(opp.Tile),
		"executed": out.Executed,
	}
	if winner != nil {
		payload["winnerId"] = winner.PlayerID.String()
		payload["callType"] = string(winner.CallType)
	}
	r.enqueue(events.CallResolved, queue.PriorityHigh, payload)
	r.bus.Publish(events.Event{Type: events.CallResolved, Payload: payload})

	if winner != nil {
		r.log.WithFields(logrus.Fields{
			"winner_id": winner.PlayerID,
			"priority":  winner.Priority,
			"call_type": winner.CallType,
		}).Info("call resolved with winner")
		if onWin != nil {
			claimed := append([]models.Tile{}, winner.Tiles...)
			if len(claimed) == 0 {
				claimed = []models.Tile{opp.Tile}
			}
			if err := onWin(winner.PlayerID, winner.CallType, claimed); err != nil {
				r.log.WithError(err).Error("failed to apply winning call")
			}
		}
	} else {
		r.log.Info("call window closed with no callers")
		if onPass != nil {
			onPass()
		}
	}
	return out
}

// Cancel discards the open window without resolving it. Rotation is not
// touched; the caller decides what happens next.
func (r *Resolver) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateOpen {
		return
	}
	r.state = StateClosed
	r.deadline.Cancel()
	r.responses = make(map[uuid.UUID]*Response)
	r.log.Info("call opportunity cancelled")
}

// State returns the window lifecycle state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Current returns the opportunity for the open window; zero value when closed.
func (r *Resolver) Current() Opportunity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.opp
	out.Eligible = append([]uuid.UUID{}, r.opp.Eligible...)
	return out
}

func (r *Resolver) enqueue(t events.Type, prio queue.Priority, payload map[string]interface{}) {
	if r.outbound == nil {
		return
	}
	if err := r.outbound.Enqueue(&queue.Event{
		Service:  "call",
		Type:     t,
		Payload:  payload,
		Priority: prio,
	}); err != nil {
		r.log.WithError(err).WithField("event", t).Warn("failed to enqueue outbound event")
	}
}

func tilesToStrings(tiles []models.Tile) []string {
	out := make([]string, len(tiles))
	for i, t := range tiles {
		out[i] = string(t)
	}
	return out
}
