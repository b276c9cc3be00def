// internal/resilience/resilience.go

// Package resilience classifies disconnections, manages the grace period and
// reconnection backoff, and drives resync plus delivery-queue replay when
// the transport comes back. It composes the turn machine, the call resolver,
// the delivery queue, and the durable store.
package resilience

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/call"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/queue"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/store"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/timers"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/transport"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/turn"
)

// Reason classifies why the transport was lost.
type Reason string

const (
	ReasonUserInitiated     Reason = "user-initiated"
	ReasonNetworkError      Reason = "network-error"
	ReasonServerUnavailable Reason = "server-unavailable"
	ReasonTimeout           Reason = "timeout"
	ReasonForcibleRemoval   Reason = "forcible-removal"
)

// Recoverable reports whether a disconnect for this reason gets a grace
// period and reconnection attempts.
func (r Reason) Recoverable() bool {
	switch r {
	case ReasonNetworkError, ReasonServerUnavailable, ReasonTimeout:
		return true
	}
	return false
}

// State is the coordinator lifecycle:
// Connected → Disconnected(reason) → Reconnecting(attempt) → Recovering → Connected.
type State int

const (
	StateConnected State = iota
	StateDisconnected
	StateReconnecting
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateRecovering:
		return "recovering"
	}
	return "unknown"
}

// ConnectionState is the coordinator's exclusive view of transport health.
type ConnectionState struct {
	Connected           bool   `json:"connected"`
	Health              string `json:"health"` // healthy | degraded | down
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
	ReconnectAttempts   int    `json:"reconnectAttempts"`
}

// ErrRecoveryTimeout is surfaced to the user as a failed-reconnect notice.
var ErrRecoveryTimeout = errors.New("resilience: recovery timed out")

// Config tunes the coordinator. Zero fields take defaults.
type Config struct {
	PlayerID string
	RoomID   string

	GracePeriod       time.Duration // default 30s
	BackoffBase       time.Duration // default 1s
	BackoffMultiplier float64       // default 2.0
	BackoffMax        time.Duration // default 30s
	BackoffJitter     float64       // randomization factor, default 0.5
	MaxAttempts       int           // reconnection attempts before giving up, default 8
	RecoveryTimeout   time.Duration // default 15s
	PeerNotifyTimeout time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 0.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 15 * time.Second
	}
	if c.PeerNotifyTimeout <= 0 {
		c.PeerNotifyTimeout = 2 * time.Second
	}
	return c
}

// Coordinator is the connection resilience and recovery coordinator.
type Coordinator struct {
	cfg Config
	log *logrus.Entry
	bus *events.Bus

	transport transport.Transport
	queue     *queue.DeliveryQueue
	turns     *turn.Service
	calls     *call.Resolver
	store     *store.Store

	mu            sync.Mutex
	state         State
	conn          ConnectionState
	phase         string // session phase recorded in disconnection metadata
	toreDown      bool
	everConnected bool

	backoff *backoff.ExponentialBackOff

	// Independent cancellable timers; starting one cancels its prior
	// pending instance, so teardown and reconnects never duplicate.
	grace     timers.Timer
	reconnect timers.Timer
	recovery  timers.Timer
}

// New wires a coordinator around the transport and sub-services.
func New(cfg Config, t transport.Transport, q *queue.DeliveryQueue, turns *turn.Service, calls *call.Resolver, st *store.Store, bus *events.Bus, log *logrus.Logger) *Coordinator {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.Multiplier = cfg.BackoffMultiplier
	b.MaxInterval = cfg.BackoffMax
	b.RandomizationFactor = cfg.BackoffJitter
	b.MaxElapsedTime = 0 // attempt count decides, not elapsed time
	// NewExponentialBackOff seeds its current interval from the library
	// defaults; re-seed from the configured fields.
	b.Reset()

	return &Coordinator{
		cfg:       cfg,
		log:       log.WithField("component", "resilience"),
		bus:       bus,
		transport: t,
		queue:     q,
		turns:     turns,
		calls:     calls,
		store:     st,
		state:     StateDisconnected,
		conn:      ConnectionState{Health: "down"},
		backoff:   b,
	}
}

// Init registers the transport lifecycle and inbound event handlers, then
// dials the coordinator. A failed initial dial starts the normal
// reconnection cycle.
func (c *Coordinator) Init(ctx context.Context) error {
	c.transport.OnConnect(c.handleConnected)
	c.transport.OnDisconnect(func(err error) {
		c.HandleDisconnect(ClassifyError(err), err)
	})

	c.transport.On(events.GameStateSync, c.handleGameStateSync)
	c.transport.On(events.TurnUpdate, c.handleTurnUpdate)
	c.transport.On(events.TurnStatusResponse, c.handleTurnUpdate)
	c.transport.On(events.TurnActionRejected, c.handleActionRejected)
	c.transport.On(events.CallOpportunity, c.handleCallOpportunity)
	c.transport.On(events.CallResponse, c.handleCallResponse)
	c.transport.On(events.CallResolved, c.handleCallResolved)

	if err := c.transport.Connect(ctx); err != nil {
		c.log.WithError(err).Warn("initial connect failed, starting reconnect cycle")
		c.noteFailure(err)
		c.scheduleReconnect()
		return nil
	}
	return nil
}

// SetPhase records the current session phase for disconnection metadata
// ("charleston", "playing", ...).
func (c *Coordinator) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
}

// State returns the coordinator lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connection returns a copy of the connection health view.
func (c *Coordinator) Connection() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// ClassifyError maps a transport error to a disconnect reason. A nil error
// means the local side closed the connection deliberately.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUserInitiated
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ReasonServerUnavailable
	}
	return ReasonNetworkError
}

// HandleDisconnect drives the resilience state machine on transport loss.
// Recoverable reasons start the grace period and reconnection backoff;
// unrecoverable ones tear the session down immediately.
func (c *Coordinator) HandleDisconnect(reason Reason, cause error) {
	c.mu.Lock()
	if c.state == StateDisconnected && !c.conn.Connected && c.toreDown {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.conn.Connected = false
	c.conn.Health = "down"
	if cause != nil {
		c.conn.LastError = cause.Error()
	}
	recoverable := reason.Recoverable()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"reason":      reason,
		"recoverable": recoverable,
	}).Warn("transport lost")
	c.bus.Publish(events.Event{
		Type: events.ConnectionLost,
		Payload: map[string]interface{}{
			"reason":      string(reason),
			"recoverable": recoverable,
		},
	})

	if !recoverable {
		c.teardown("unrecoverable disconnect: " + string(reason))
		return
	}

	c.preserveSession(reason)

	// Grace period: reconnection inside it cancels the pending teardown.
	c.grace.Start(c.cfg.GracePeriod, func() {
		c.log.Warn("grace period expired, tearing session down")
		c.teardown("grace period expired")
	})
	c.mu.Lock()
	c.backoff.Reset()
	c.conn.ReconnectAttempts = 0
	c.mu.Unlock()
	c.scheduleReconnect()
}

// preserveSession persists the minimal recovery metadata to durable storage.
func (c *Coordinator) preserveSession(reason Reason) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	flag := store.RecoveryFlag{
		CanRecover: true,
		DisconnectionMetadata: map[string]interface{}{
			"playerId":       c.cfg.PlayerID,
			"roomId":         c.cfg.RoomID,
			"phase":          phase,
			"reason":         string(reason),
			"disconnectedAt": time.Now().UnixMilli(),
		},
		PreservedAt: time.Now(),
	}
	if err := c.store.SaveRecoveryFlag(ctx, flag); err != nil {
		c.log.WithError(err).Error("failed to preserve recovery metadata")
	}
}

// noteFailure updates connection health after a failed dial.
func (c *Coordinator) noteFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.ConsecutiveFailures++
	if err != nil {
		c.conn.LastError = err.Error()
	}
	if c.conn.ConsecutiveFailures >= 3 {
		c.conn.Health = "down"
	} else {
		c.conn.Health = "degraded"
	}
}
