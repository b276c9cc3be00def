// internal/turn/turn_test.go
package turn

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/queue"
)

// fakeOutbound captures events the turn machine pushes toward the
// delivery queue.
type fakeOutbound struct {
	mu     sync.Mutex
	events []*queue.Event
}

func (f *fakeOutbound) Enqueue(ev *queue.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeOutbound) findByType(t events.Type) *queue.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Type == t {
			return f.events[i]
		}
	}
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func fourPlayers() []*models.Player {
	out := make([]*models.Player, 4)
	for i := range out {
		out[i] = &models.Player{
			ID:        uuid.New(),
			Name:      models.Seat(i).String(),
			Seat:      models.Seat(i),
			Connected: true,
		}
	}
	return out
}

func startedGame(t *testing.T, cfg Config) (*Service, []*models.Player, *fakeOutbound) {
	t.Helper()
	out := &fakeOutbound{}
	svc := New(cfg, events.NewBus(), out, nil, quietLogger())
	players := fourPlayers()
	require.NoError(t, svc.Initialize(players))
	require.NoError(t, svc.Start())
	return svc, players, out
}

func TestInitializeSeatsCanonically(t *testing.T) {
	svc := New(Config{}, events.NewBus(), nil, nil, quietLogger())
	players := fourPlayers()
	// Scrambled input order must not change the seat rotation.
	scrambled := []*models.Player{players[2], players[0], players[3], players[1]}
	require.NoError(t, svc.Initialize(scrambled))

	ctx := svc.Snapshot()
	require.Len(t, ctx.TurnOrder, 4)
	for i, id := range ctx.TurnOrder {
		assert.Equal(t, players[i].ID, id, "seat %d", i)
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	svc, _, _ := startedGame(t, Config{})
	assert.ErrorIs(t, svc.Initialize(fourPlayers()), ErrAlreadyInitialized)
}

func TestStartGivesFirstSeatTheTurn(t *testing.T) {
	svc, players, out := startedGame(t, Config{})
	ctx := svc.Snapshot()

	assert.Equal(t, players[0].ID, ctx.CurrentPlayerID)
	assert.Equal(t, 1, ctx.TurnNumber)
	assert.Equal(t, 1, ctx.RoundNumber)
	assert.Equal(t, models.WindEast, ctx.CurrentWind)
	assert.Equal(t, PhaseActive, svc.Phase())
	require.NotNil(t, out.findByType(events.TurnStartGame))
	assert.Equal(t, queue.PriorityCritical, out.findByType(events.TurnStartGame).Priority)
}

func TestFullLapReturnsToOriginalHolder(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Advance())
	}
	assert.Equal(t, players[0].ID, svc.Snapshot().CurrentPlayerID)
}

func TestRoundAndWindAdvanceOncePerLap(t *testing.T) {
	svc, _, _ := startedGame(t, Config{})

	for lap := 1; lap <= 3; lap++ {
		for i := 0; i < 4; i++ {
			require.NoError(t, svc.Advance())
		}
		ctx := svc.Snapshot()
		assert.Equal(t, 1+lap, ctx.RoundNumber, "after lap %d", lap)
		assert.Equal(t, models.Wind(lap%models.NumSeats), ctx.CurrentWind, "wind after lap %d", lap)
	}
	// Three laps: east → south → west → north.
	assert.Equal(t, models.WindNorth, svc.Snapshot().CurrentWind)
}

func TestDrawValidation(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})

	// Not the current player.
	err := svc.RecordAction(players[1].ID, models.ActionDraw, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "not-your-turn", verr.Rule)

	// Current player draws once, then again.
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDraw, nil))
	assert.True(t, svc.HasDrawn())
	err = svc.RecordAction(players[0].ID, models.ActionDraw, nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "already-drawn", verr.Rule)
}

func TestDiscardRequiresDrawAndTile(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	var verr *ValidationError

	err := svc.RecordAction(players[0].ID, models.ActionDiscard, map[string]interface{}{"tile": "3B"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "must-draw-first", verr.Rule)

	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDraw, nil))
	err = svc.RecordAction(players[0].ID, models.ActionDiscard, nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tile-required", verr.Rule)
}

func TestDiscardWithNoCallTransfersTurnOnce(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	wall := svc.WallRemaining()

	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDraw, nil))
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDiscard, map[string]interface{}{"tile": "3B"}))

	ctx := svc.Snapshot()
	assert.Equal(t, players[1].ID, ctx.CurrentPlayerID, "ownership transferred exactly once")
	assert.False(t, svc.HasDrawn(), "new holder has not drawn")
	assert.Equal(t, wall-1, svc.WallRemaining())
	assert.Equal(t, []models.Tile{"3B"}, svc.DiscardPile())
}

func TestDiscardOpensCallWindow(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})

	var gotTile models.Tile
	var gotDiscarder uuid.UUID
	var gotEligible []uuid.UUID
	svc.SetDiscardFunc(func(tile models.Tile, discarder uuid.UUID, eligible []uuid.UUID) {
		gotTile, gotDiscarder, gotEligible = tile, discarder, eligible
	})

	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDraw, nil))
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDiscard, map[string]interface{}{"tile": "7C"}))

	assert.Equal(t, models.Tile("7C"), gotTile)
	assert.Equal(t, players[0].ID, gotDiscarder)
	// Nearest seat first: distance from the discarder decides priority.
	require.Len(t, gotEligible, 3)
	assert.Equal(t, players[1].ID, gotEligible[0])
	assert.Equal(t, players[2].ID, gotEligible[1])
	assert.Equal(t, players[3].ID, gotEligible[2])
	// Rotation is deferred to the resolver.
	assert.Equal(t, players[0].ID, svc.Snapshot().CurrentPlayerID)
}

func TestCannotCallOwnDiscard(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	var verr *ValidationError
	err := svc.RecordAction(players[0].ID, models.ActionCall, nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "own-discard", verr.Rule)

	assert.NoError(t, svc.RecordAction(players[1].ID, models.ActionCall, nil))
}

func TestMahjongEndsGame(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionMahjong, nil))

	assert.Equal(t, PhaseFinished, svc.Phase())
	res := svc.Result()
	require.NotNil(t, res)
	assert.Equal(t, EndMahjong, res.Type)
	assert.Equal(t, players[0].ID, res.WinnerID)
}

func TestOtherPlayerMahjongOverride(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.RecordAction(players[2].ID, models.ActionOtherMahjong,
		map[string]interface{}{"winnerId": players[3].ID.String()}))

	res := svc.Result()
	require.NotNil(t, res)
	assert.Equal(t, EndMahjong, res.Type)
	assert.Equal(t, players[3].ID, res.WinnerID)
}

func TestWallExhaustionEndsGame(t *testing.T) {
	svc, players, _ := startedGame(t, Config{WallTiles: 8})
	// 4 active players: one draw leaves 7 tiles, under the 2-per-player floor.
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDraw, nil))

	res := svc.Result()
	require.NotNil(t, res)
	assert.Equal(t, EndWallExhausted, res.Type)
	assert.Equal(t, uuid.Nil, res.WinnerID)
}

func TestAllButOnePassedOutEndsGame(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.MarkPassedOut(players[1].ID))
	require.NoError(t, svc.MarkPassedOut(players[2].ID))
	assert.Equal(t, PhaseActive, svc.Phase())

	require.NoError(t, svc.MarkPassedOut(players[3].ID))

	res := svc.Result()
	require.NotNil(t, res)
	assert.Equal(t, EndAllPassedOut, res.Type)
	assert.Equal(t, players[0].ID, res.WinnerID, "sole remaining player wins")
}

func TestPassedOutHolderHandsTurnOn(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.MarkPassedOut(players[0].ID))

	ctx := svc.Snapshot()
	assert.Equal(t, players[1].ID, ctx.CurrentPlayerID)
	assert.NotContains(t, ctx.TurnOrder, players[0].ID)
}

func TestMidRotationPassOutHandsTurnToNextSeat(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.Advance())
	require.NoError(t, svc.Advance())
	require.Equal(t, players[2].ID, svc.Snapshot().CurrentPlayerID)

	require.NoError(t, svc.MarkPassedOut(players[2].ID))

	ctx := svc.Snapshot()
	assert.Equal(t, players[3].ID, ctx.CurrentPlayerID,
		"turn passes to the seat after the removed holder, not back to the first seat")
	assert.NotContains(t, ctx.TurnOrder, players[2].ID)
}

func TestLastSeatPassOutWrapsToFirst(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Advance())
	}
	require.Equal(t, players[3].ID, svc.Snapshot().CurrentPlayerID)

	require.NoError(t, svc.MarkPassedOut(players[3].ID))
	assert.Equal(t, players[0].ID, svc.Snapshot().CurrentPlayerID)
}

func TestPassedOutPlayerSkippedInRotation(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.MarkPassedOut(players[1].ID))

	require.NoError(t, svc.Advance())
	assert.Equal(t, players[2].ID, svc.Snapshot().CurrentPlayerID)
}

func TestApplyCallWinInterruptsRotation(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDraw, nil))
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDiscard, map[string]interface{}{"tile": "9D"}))
	// No discard func wired: rotation moved to seat 1. A remote call winner
	// still interrupts.
	require.NoError(t, svc.ApplyCallWin(players[3].ID, models.CallPung, []models.Tile{"9D", "9D", "9D"}))

	ctx := svc.Snapshot()
	assert.Equal(t, players[3].ID, ctx.CurrentPlayerID)
	assert.True(t, svc.HasDrawn(), "call winner owes a discard")
	assert.Empty(t, svc.DiscardPile(), "claimed tile left the pile")
	require.Len(t, svc.Exposed(players[3].ID), 1)
	assert.Equal(t, []models.Tile{"9D", "9D", "9D"}, svc.Exposed(players[3].ID)[0])
}

func TestAuthoritativeUpdateOverwritesSpeculation(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionDraw, nil))
	assert.True(t, svc.Speculative())

	svc.ApplyAuthoritative(AuthoritativeUpdate{
		CurrentPlayerID: players[2].ID,
		TurnNumber:      9,
		RoundNumber:     3,
		CurrentWind:     models.WindWest,
		HasDrawn:        false,
		WallRemaining:   100,
	})

	ctx := svc.Snapshot()
	assert.False(t, svc.Speculative(), "speculation discarded wholesale")
	assert.Equal(t, players[2].ID, ctx.CurrentPlayerID)
	assert.Equal(t, 9, ctx.TurnNumber)
	assert.Equal(t, models.WindWest, ctx.CurrentWind)
	assert.False(t, svc.HasDrawn())
	assert.Equal(t, 100, svc.WallRemaining())
}

func TestActionsRejectedWhenFinished(t *testing.T) {
	svc, players, _ := startedGame(t, Config{})
	require.NoError(t, svc.RecordAction(players[0].ID, models.ActionMahjong, nil))
	assert.ErrorIs(t, svc.RecordAction(players[1].ID, models.ActionDraw, nil), ErrNotActive)
	assert.ErrorIs(t, svc.Advance(), ErrNotActive)
}

func TestGameDrawnOverride(t *testing.T) {
	svc, players, out := startedGame(t, Config{})
	require.NoError(t, svc.RecordAction(players[1].ID, models.ActionGameDrawn, nil))

	res := svc.Result()
	require.NotNil(t, res)
	assert.Equal(t, EndWallExhausted, res.Type)
	assert.Equal(t, uuid.Nil, res.WinnerID)
	require.NotNil(t, out.findByType(events.TurnUpdate))
}
