// cmd/companion/main.go

// The companion binary runs the client-side turn-ownership and
// event-delivery core: it connects to the room coordinator, tracks turn
// state locally, resolves call opportunities, and replays buffered events
// across reconnects. The presentation and advisor layers attach through the
// event bus.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/call"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/config"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/journal"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/queue"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/resilience"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/store"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/transport"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/turn"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open local store")
	}
	defer st.Close()

	bus := events.NewBus()

	var sink journal.Sink
	if cfg.RedisAddr != "" {
		rs := journal.NewRedisSink(cfg.RedisAddr)
		defer rs.Close()
		sink = rs
	}
	jnl := journal.New(4096, sink, log)

	q := queue.New(queue.Config{
		Capacity:          cfg.QueueCapacity,
		DefaultExpiry:     cfg.QueueExpiry,
		TrackDependencies: true,
	}, log)

	turns := turn.New(turn.Config{
		WallTiles:    cfg.WallTiles,
		TurnDuration: cfg.TurnDuration,
	}, bus, q, jnl, log)

	calls := call.New(bus, q, log)
	calls.SetHandlers(
		func(winner uuid.UUID, callType models.CallType, tiles []models.Tile) error {
			return turns.ApplyCallWin(winner, callType, tiles)
		},
		func() {
			if err := turns.Advance(); err != nil {
				log.WithError(err).Debug("advance after uncontested discard")
			}
		},
	)
	turns.SetDiscardFunc(func(tile models.Tile, discarder uuid.UUID, eligible []uuid.UUID) {
		calls.Open(tile, discarder, eligible, cfg.CallWindow)
	})

	ws := transport.NewWebsocket(cfg.CoordinatorURL, log)

	coord := resilience.New(resilience.Config{
		PlayerID:          cfg.PlayerID,
		RoomID:            cfg.RoomID,
		GracePeriod:       cfg.GracePeriod,
		BackoffBase:       cfg.ReconnectBaseDelay,
		BackoffMax:        cfg.ReconnectMaxDelay,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		RecoveryTimeout:   cfg.RecoveryTimeout,
	}, ws, q, turns, calls, st, bus, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flag, ok, err := st.LoadRecoveryFlag(ctx); err == nil && ok && flag.CanRecover {
		log.WithField("preserved_at", flag.PreservedAt).Info("previous session is recoverable")
	}

	if err := coord.Init(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize coordinator")
	}

	log.WithFields(logrus.Fields{
		"coordinator": cfg.CoordinatorURL,
		"room_id":     cfg.RoomID,
	}).Info("companion core running")

	<-ctx.Done()
	log.Info("shutting down")
	coord.Shutdown()
	os.Exit(0)
}
