// internal/resilience/recovery.go
package resilience

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/store"
	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/turn"
)

// scheduleReconnect arms the next reconnection attempt behind the backoff
// delay. Starting the timer cancels any prior pending attempt, so backoff
// cycles never stack.
func (c *Coordinator) scheduleReconnect() {
	c.mu.Lock()
	if c.toreDown {
		c.mu.Unlock()
		return
	}
	if c.conn.ReconnectAttempts >= c.cfg.MaxAttempts {
		c.mu.Unlock()
		c.log.WithField("attempts", c.cfg.MaxAttempts).Error("reconnect attempts exhausted")
		c.bus.Publish(events.Event{
			Type:    events.RecoveryFailed,
			Payload: map[string]interface{}{"reason": "max_reconnect_attempts"},
		})
		c.teardown("reconnect attempts exhausted")
		return
	}
	c.state = StateReconnecting
	delay := c.backoff.NextBackOff()
	c.mu.Unlock()

	c.reconnect.Start(delay, c.attemptReconnect)
}

// attemptReconnect performs one dial. Success flows through the transport's
// OnConnect callback; failure schedules the next attempt.
func (c *Coordinator) attemptReconnect() {
	c.mu.Lock()
	if c.toreDown || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.conn.ReconnectAttempts++
	attempt := c.conn.ReconnectAttempts
	c.mu.Unlock()

	c.log.WithField("attempt", attempt).Info("reconnecting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.transport.Connect(ctx); err != nil {
		c.log.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
		c.noteFailure(err)
		c.scheduleReconnect()
	}
}

// handleConnected runs after every successful dial: it cancels the pending
// teardown and backoff, then requests authoritative state for each active
// sub-service before declaring the session recovered.
func (c *Coordinator) handleConnected() {
	c.grace.Cancel()
	c.reconnect.Cancel()

	c.mu.Lock()
	c.backoff.Reset()
	c.conn.Connected = true
	c.conn.Health = "healthy"
	c.conn.ConsecutiveFailures = 0
	firstConnect := !c.everConnected
	c.everConnected = true
	c.toreDown = false
	c.state = StateRecovering
	c.mu.Unlock()

	if firstConnect {
		c.log.Info("connected")
	} else {
		c.log.Info("reconnected, requesting state resync")
	}

	// Authoritative state for every active sub-service; the coordinator
	// answers with game-state-sync.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.transport.Send(ctx, events.RequestGameStateSync, map[string]interface{}{
		"playerId": c.cfg.PlayerID,
		"roomId":   c.cfg.RoomID,
		"services": []string{"turn", "call", "room"},
	})
	if err != nil {
		c.log.WithError(err).Warn("failed to request state sync")
	}
	if err := c.transport.Send(ctx, events.TurnStatus, map[string]interface{}{
		"playerId": c.cfg.PlayerID,
	}); err != nil {
		c.log.WithError(err).Debug("failed to request turn status")
	}

	c.recovery.Start(c.cfg.RecoveryTimeout, func() {
		c.log.Error("recovery timed out waiting for state sync")
		c.bus.Publish(events.Event{
			Type:    events.RecoveryFailed,
			Payload: map[string]interface{}{"reason": "recovery_timeout"},
		})
	})
}

// handleGameStateSync applies the authoritative snapshot, replays the
// delivery queue, and confirms the recovery.
func (c *Coordinator) handleGameStateSync(payload map[string]interface{}) {
	c.recovery.Cancel()

	if turnRaw, ok := payload["turn"].(map[string]interface{}); ok {
		c.turns.ApplyAuthoritative(parseAuthoritative(turnRaw))
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	c.saveProgress(payload)

	// Replay buffered outbound events against the restored transport.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stats, err := c.queue.Drain(ctx, c.transport)
		if err != nil {
			c.log.WithError(err).Warn("queue replay interrupted")
		}
		c.log.WithFields(logrus.Fields{
			"successful": stats.Successful,
			"failed":     stats.Failed,
			"skipped":    stats.Skipped,
		}).Info("queue replay complete")
	}()

	c.bus.Publish(events.Event{
		Type:    events.ConnectionRestored,
		Payload: map[string]interface{}{"resynced": true},
	})
}

// handleTurnUpdate applies an authoritative turn-ownership update pushed by
// the coordinator. Confirmed always wins over local speculation.
func (c *Coordinator) handleTurnUpdate(payload map[string]interface{}) {
	c.turns.ApplyAuthoritative(parseAuthoritative(payload))
	c.saveProgress(map[string]interface{}{"turn": payload})
}

// handleActionRejected surfaces a coordinator-side action rejection to the
// presentation layer. The authoritative correction arrives as a turn-update.
func (c *Coordinator) handleActionRejected(payload map[string]interface{}) {
	c.bus.Publish(events.Event{
		Type:     events.TurnError,
		PlayerID: parseUUID(payload, "playerId"),
		Payload:  payload,
	})
}

// handleCallOpportunity opens the local window for a coordinator-announced
// discard claim.
func (c *Coordinator) handleCallOpportunity(payload map[string]interface{}) {
	tile, _ := payload["tile"].(string)
	discarder := parseUUID(payload, "discarderId")
	duration := time.Duration(numberField(payload, "durationMs")) * time.Millisecond
	if duration <= 0 {
		duration = 5 * time.Second
	}
	var eligible []uuid.UUID
	if raw, ok := payload["eligible"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					eligible = append(eligible, id)
				}
			}
		}
	}
	c.calls.Open(models.Tile(tile), discarder, eligible, duration)
}

// handleCallResponse records a remote player's answer in the local window.
func (c *Coordinator) handleCallResponse(payload map[string]interface{}) {
	playerID := parseUUID(payload, "playerId")
	response, _ := payload["response"].(string)
	callType, _ := payload["callType"].(string)
	var tiles []models.Tile
	if raw, ok := payload["tiles"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tiles = append(tiles, models.Tile(s))
			}
		}
	}
	if err := c.calls.SubmitResponse(playerID, response, models.CallType(callType), tiles); err != nil {
		c.log.WithError(err).WithField("player_id", playerID).Debug("remote call response rejected")
	}
}

// handleCallResolved closes the local window on the coordinator's authority.
// The ownership consequences arrive separately as an authoritative
// turn-update, which overwrites any local speculation.
func (c *Coordinator) handleCallResolved(payload map[string]interface{}) {
	c.calls.Cancel()
}

// saveProgress writes the progress snapshot blob on each confirmed update.
func (c *Coordinator) saveProgress(payload map[string]interface{}) {
	if c.store == nil {
		return
	}
	snap := store.ProgressSnapshot{SavedAt: time.Now()}
	if raw, err := json.Marshal(payload["room"]); err == nil && string(raw) != "null" {
		snap.Room = raw
	}
	if raw, err := json.Marshal(payload["game"]); err == nil && string(raw) != "null" {
		snap.Game = raw
	}
	if raw, err := json.Marshal(payload["turn"]); err == nil && string(raw) != "null" {
		snap.Turn = raw
	}
	if raw, err := json.Marshal(payload["charleston"]); err == nil && string(raw) != "null" {
		snap.Charleston = raw
	}
	if raw, err := json.Marshal(payload["metadata"]); err == nil && string(raw) != "null" {
		snap.Metadata = raw
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.SaveProgress(ctx, snap); err != nil {
		c.log.WithError(err).Warn("failed to save progress snapshot")
	}
}

// Shutdown is the user-initiated exit: a best-effort, time-bounded peer
// notification, then immediate teardown.
func (c *Coordinator) Shutdown() {
	if c.transport.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PeerNotifyTimeout)
		err := c.transport.Send(ctx, events.TurnInterrupted, map[string]interface{}{
			"playerId": c.cfg.PlayerID,
			"reason":   "leaving",
		})
		cancel()
		if err != nil {
			c.log.WithError(err).Debug("peer notify on shutdown failed")
		}
	}
	c.teardown("user initiated shutdown")
}

// teardown ends the session: timers cancelled, queue cleared, durable
// session state removed, transport closed.
func (c *Coordinator) teardown(reason string) {
	c.mu.Lock()
	if c.toreDown {
		c.mu.Unlock()
		return
	}
	c.toreDown = true
	c.state = StateDisconnected
	c.conn.Connected = false
	c.conn.Health = "down"
	c.mu.Unlock()

	c.grace.Cancel()
	c.reconnect.Cancel()
	c.recovery.Cancel()
	c.queue.Clear()
	c.turns.Shutdown()
	c.calls.Cancel()

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.store.ClearRecoveryFlag(ctx); err != nil {
			c.log.WithError(err).Warn("failed to clear recovery flag")
		}
		if err := c.store.ClearProgress(ctx); err != nil {
			c.log.WithError(err).Warn("failed to clear progress snapshot")
		}
		cancel()
	}

	if err := c.transport.Close(); err != nil {
		c.log.WithError(err).Debug("transport close during teardown")
	}

	c.log.WithField("reason", reason).Info("session torn down")
	c.bus.Publish(events.Event{
		Type:    events.SessionEnded,
		Payload: map[string]interface{}{"reason": reason},
	})
}

// ---------------------------------------------------------------------------
// Payload parsing
// ---------------------------------------------------------------------------

// parseAuthoritative converts a wire payload into a turn update. JSON
// numbers arrive as float64.
func parseAuthoritative(payload map[string]interface{}) turn.AuthoritativeUpdate {
	u := turn.AuthoritativeUpdate{
		CurrentPlayerID: parseUUID(payload, "currentPlayerId"),
		TurnNumber:      int(numberField(payload, "turnNumber")),
		RoundNumber:     int(numberField(payload, "roundNumber")),
		WallRemaining:   int(numberField(payload, "wallRemaining")),
	}
	if s, ok := payload["currentWind"].(string); ok {
		if w, ok := models.ParseWind(s); ok {
			u.CurrentWind = w
		}
	}
	if b, ok := payload["hasDrawn"].(bool); ok {
		u.HasDrawn = b
	}
	if raw, ok := payload["turnOrder"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					u.TurnOrder = append(u.TurnOrder, id)
				}
			}
		}
	}
	return u
}

func parseUUID(payload map[string]interface{}, key string) uuid.UUID {
	s, ok := payload[key].(string)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func numberField(payload map[string]interface{}, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}
