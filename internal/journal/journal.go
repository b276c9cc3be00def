// internal/journal/journal.go

// Package journal is the append-only action log. It feeds game-end
// statistics and the opponent-behavior inference layer (out of scope here),
// and optionally fans each record out to a Redis sink.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
)

// Sink receives each record asynchronously.
type Sink interface {
	Publish(ctx context.Context, rec models.ActionRecord) error
}

// Journal keeps a bounded in-memory action log.
type Journal struct {
	mu      sync.Mutex
	log     *logrus.Entry
	records []models.ActionRecord
	max     int
	sink    Sink
}

// New creates a journal bounded to max records (oldest dropped first).
// sink may be nil.
func New(max int, sink Sink, log *logrus.Logger) *Journal {
	if max <= 0 {
		max = 1024
	}
	return &Journal{
		log:  log.WithField("component", "journal"),
		max:  max,
		sink: sink,
	}
}

// Record appends one entry and, when a sink is configured, publishes it on a
// short-deadline background goroutine so gameplay never blocks on the sink.
func (j *Journal) Record(rec models.ActionRecord) {
	j.mu.Lock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	j.records = append(j.records, rec)
	if len(j.records) > j.max {
		j.records = append(j.records[:0], j.records[len(j.records)-j.max:]...)
	}
	sink := j.sink
	j.mu.Unlock()

	if sink == nil {
		return
	}
	go func(rec models.ActionRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sink.Publish(ctx, rec); err != nil {
			j.log.WithError(err).WithField("kind", rec.Kind).Warn("failed to publish action record")
		}
	}(rec)
}

// Records returns a copy of the log, oldest first.
func (j *Journal) Records() []models.ActionRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.ActionRecord{}, j.records...)
}

// Len returns the number of retained records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Stats summarizes the log for the game-end report: action counts per
// player and per action kind.
func (j *Journal) Stats() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	byActor := make(map[uuid.UUID]int)
	byKind := make(map[models.ActionKind]int)
	for _, rec := range j.records {
		if rec.ActorID != uuid.Nil {
			byActor[rec.ActorID]++
		}
		byKind[rec.Kind]++
	}

	actors := make(map[string]int, len(byActor))
	for id, n := range byActor {
		actors[id.String()] = n
	}
	kinds := make(map[string]int, len(byKind))
	for k, n := range byKind {
		kinds[string(k)] = n
	}
	return map[string]interface{}{
		"totalActions":   len(j.records),
		"actionsByActor": actors,
		"actionsByKind":  kinds,
	}
}

// Reset clears the log for a new game.
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = nil
}
