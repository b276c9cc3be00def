// internal/queue/drain.go
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity and
// eviction could not make room for a low-priority event.
var ErrQueueFull = errors.New("queue: at capacity")

// Drain attempts delivery of every eligible queued entry, in priority order,
// against the given sender. Exactly one drain pass runs at a time; a call
// made while another pass is in flight returns immediately with empty stats.
//
// Entries whose expiry has passed are purged and counted as skipped. When
// dependency tracking is enabled, entries are attempted in topological order
// of their DependsOn edges; members of a dependency cycle are force-attempted
// last, each recorded as a cycle warning. A failed delivery consumes one
// retry and re-enqueues the entry at the low tier behind a fixed retry
// delay; an entry out of retries is dropped with a terminal error.
func (q *DeliveryQueue) Drain(ctx context.Context, sender Sender) (DrainStats, error) {
	var stats DrainStats
	if !q.draining.CompareAndSwap(false, true) {
		return stats, nil
	}
	defer q.draining.Store(false)

	now := q.now()

	q.mu.Lock()
	stats.Skipped += q.purgeExpiredLocked(now)
	batch := append([]*Event{}, q.entries...)
	q.mu.Unlock()

	var cyclic map[uuid.UUID]bool
	if q.cfg.TrackDependencies {
		batch, cyclic = q.orderByDependencies(batch, &stats)
	}

	for i, ev := range batch {
		if err := ctx.Err(); err != nil {
			q.finishStats(&stats)
			return stats, err
		}

		if ev.nextAttempt.After(q.now()) {
			stats.Skipped++
			continue
		}
		if unmet := q.unmetDependencies(ev); unmet && !cyclic[ev.ID] {
			// Left queued for the next pass.
			stats.Skipped++
			continue
		}

		err := sender.Send(ctx, ev.Type, ev.Payload)
		if err == nil {
			q.markProcessed(ev)
			stats.Successful++
		} else {
			q.handleFailure(ev, err, &stats)
		}

		if q.cfg.DispatchInterval > 0 && i < len(batch)-1 {
			time.Sleep(q.cfg.DispatchInterval)
		}
	}

	q.finishStats(&stats)
	q.log.WithFields(logrus.Fields{
		"successful": stats.Successful,
		"failed":     stats.Failed,
		"skipped":    stats.Skipped,
	}).Debug("drain pass complete")
	return stats, nil
}

func (q *DeliveryQueue) finishStats(stats *DrainStats) {
	stats.TotalProcessed = stats.Successful + stats.Failed + stats.Skipped
}

// purgeExpiredLocked drops entries whose expiry has passed.
func (q *DeliveryQueue) purgeExpiredLocked(now time.Time) int {
	kept := q.entries[:0]
	purged := 0
	for _, e := range q.entries {
		if !e.ExpiresAt.After(now) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	// Clear trailing slots so dropped entries can be collected.
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	if purged > 0 {
		q.log.WithField("purged", purged).Debug("dropped expired events")
	}
	return purged
}

// unmetDependencies reports whether ev still waits on an undelivered
// dependency.
func (q *DeliveryQueue) unmetDependencies(ev *Event) bool {
	if len(ev.DependsOn) == 0 {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, dep := range ev.DependsOn {
		if !q.processed[dep] {
			return true
		}
	}
	return false
}

// orderByDependencies applies Kahn's algorithm over the DependsOn edges of
// the batch. Entries that never reach zero in-degree form a dependency
// cycle: they are appended after all acyclic entries, each recorded as a
// cycle_detected warning, so a bad dependency graph cannot wedge the queue.
// Within the acyclic portion the original priority/FIFO order is preserved
// wherever the edges allow.
func (q *DeliveryQueue) orderByDependencies(batch []*Event, stats *DrainStats) ([]*Event, map[uuid.UUID]bool) {
	inBatch := make(map[uuid.UUID]*Event, len(batch))
	for _, e := range batch {
		inBatch[e.ID] = e
	}

	// In-degree counts only edges to entries still queued in this batch.
	indegree := make(map[uuid.UUID]int, len(batch))
	dependents := make(map[uuid.UUID][]uuid.UUID)
	for _, e := range batch {
		indegree[e.ID] = 0
	}
	for _, e := range batch {
		for _, dep := range e.DependsOn {
			if _, queued := inBatch[dep]; queued {
				indegree[e.ID]++
				dependents[dep] = append(dependents[dep], e.ID)
			}
		}
	}

	ordered := make([]*Event, 0, len(batch))
	emitted := make(map[uuid.UUID]bool, len(batch))
	for {
		progressed := false
		for _, e := range batch {
			if emitted[e.ID] || indegree[e.ID] != 0 {
				continue
			}
			emitted[e.ID] = true
			ordered = append(ordered, e)
			for _, dep := range dependents[e.ID] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	cyclic := make(map[uuid.UUID]bool)
	for _, e := range batch {
		if emitted[e.ID] {
			continue
		}
		cyclic[e.ID] = true
		ordered = append(ordered, e)
		q.log.WithFields(logrus.Fields{
			"event_id": e.ID,
			"event":    e.Type,
		}).Warn("dependency cycle detected, forcing delivery")
		stats.Errors = append(stats.Errors, EventError{
			EventID:   e.ID,
			EventType: e.Type,
			Kind:      ErrorCycle,
			Message:   "dependency cycle detected; event forced through",
		})
	}
	return ordered, cyclic
}

// markProcessed records a successful delivery and removes the entry.
func (q *DeliveryQueue) markProcessed(ev *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed[ev.ID] = true
	q.removeLocked(ev.ID)
}

// handleFailure consumes one retry. Under budget, the entry is demoted to
// the low tier behind the retry delay; out of budget it is dropped with a
// terminal error.
func (q *DeliveryQueue) handleFailure(ev *Event, sendErr error, stats *DrainStats) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev.RetryCount++
	if ev.RetryCount > ev.MaxRetries {
		q.removeLocked(ev.ID)
		stats.Failed++
		stats.Errors = append(stats.Errors, EventError{
			EventID:   ev.ID,
			EventType: ev.Type,
			Kind:      ErrorMaxRetries,
			Message:   "max retries exceeded: " + sendErr.Error(),
		})
		q.log.WithFields(logrus.Fields{
			"event_id": ev.ID,
			"event":    ev.Type,
			"attempts": ev.RetryCount,
		}).Error("event dropped after exhausting retries")
		return
	}

	stats.Failed++
	stats.Errors = append(stats.Errors, EventError{
		EventID:   ev.ID,
		EventType: ev.Type,
		Kind:      ErrorTransient,
		Message:   sendErr.Error(),
	})
	q.removeLocked(ev.ID)
	ev.Priority = PriorityLow
	ev.nextAttempt = q.now().Add(q.cfg.RetryDelay)
	q.insertLocked(ev)
}

// removeLocked deletes the entry with the given id, if present.
func (q *DeliveryQueue) removeLocked(id uuid.UUID) {
	for i, e := range q.entries {
		if e.ID == id {
			copy(q.entries[i:], q.entries[i+1:])
			q.entries[len(q.entries)-1] = nil
			q.entries = q.entries[:len(q.entries)-1]
			return
		}
	}
}
