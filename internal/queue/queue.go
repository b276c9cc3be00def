// internal/queue/queue.go

// Package queue implements the outbound event delivery queue: an
// at-least-once, priority-respecting, order-preserving buffer between the
// game services and the coordinator transport. Events survive disconnection
// and are replayed by the recovery coordinator on reconnect.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
)

// Priority orders delivery across tiers. Lower value delivers first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Event is one queued outbound event.
type Event struct {
	ID         uuid.UUID
	Service    string // target sub-service ("turn", "call", "room")
	Type       events.Type
	Payload    map[string]interface{}
	Priority   Priority
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
	DependsOn  []uuid.UUID
	ExpiresAt  time.Time
	RequireAck bool

	// nextAttempt gates retried entries until their retry delay elapses.
	nextAttempt time.Time
}

// ErrorKind classifies a per-event delivery failure in a drain report.
type ErrorKind string

const (
	ErrorTransient  ErrorKind = "transient_delivery_error"
	ErrorMaxRetries ErrorKind = "max_retries_exceeded"
	ErrorCycle      ErrorKind = "cycle_detected"
)

// EventError is one per-event failure entry in a drain report.
type EventError struct {
	EventID   uuid.UUID   `json:"eventId"`
	EventType events.Type `json:"eventType"`
	Kind      ErrorKind   `json:"kind"`
	Message   string      `json:"message"`
}

// DrainStats aggregates the outcome of one drain pass.
type DrainStats struct {
	Successful     int
	Failed         int
	Skipped        int
	TotalProcessed int
	Errors         []EventError
}

// Sender is the slice of the transport the queue needs.
type Sender interface {
	Send(ctx context.Context, eventType events.Type, payload map[string]interface{}) error
}

// Config tunes queue behavior. Zero fields take defaults.
type Config struct {
	Capacity          int           // max buffered entries (default 200)
	DefaultExpiry     time.Duration // applied when an event has no ExpiresAt (default 5m)
	DefaultMaxRetries int           // applied when an event has MaxRetries == 0 (default 3)
	RetryDelay        time.Duration // gate before a failed entry is retried (default 2s)
	DispatchInterval  time.Duration // pause between delivery attempts (default 10ms)
	TrackDependencies bool          // topologically order entries by DependsOn
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 200
	}
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = 5 * time.Minute
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.DispatchInterval < 0 {
		c.DispatchInterval = 0
	} else if c.DispatchInterval == 0 {
		c.DispatchInterval = 10 * time.Millisecond
	}
	return c
}

// DeliveryQueue buffers outbound events across connectivity loss.
// Enqueue is safe to call concurrently with an in-flight drain; Drain is
// strictly serialized — a second call while one is active is a no-op.
type DeliveryQueue struct {
	cfg Config
	log *logrus.Entry
	now func() time.Time

	mu        sync.Mutex
	entries   []*Event
	processed map[uuid.UUID]bool

	draining atomic.Bool
}

// New creates a delivery queue with the given configuration.
func New(cfg Config, log *logrus.Logger) *DeliveryQueue {
	return &DeliveryQueue{
		cfg:       cfg.withDefaults(),
		log:       log.WithField("component", "delivery_queue"),
		now:       time.Now,
		processed: make(map[uuid.UUID]bool),
	}
}

// Enqueue inserts an event preserving strict priority-tier ordering and FIFO
// order within a tier. At capacity, roughly 10% of the oldest low/medium
// entries are evicted; critical and high entries are never evicted. If
// eviction frees nothing, new low-tier inserts are rejected.
func (q *DeliveryQueue) Enqueue(ev *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	now := q.now()
	ev.EnqueuedAt = now
	if ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = now.Add(q.cfg.DefaultExpiry)
	}
	if ev.MaxRetries == 0 {
		ev.MaxRetries = q.cfg.DefaultMaxRetries
	}

	if len(q.entries) >= q.cfg.Capacity {
		evicted := q.evictOldestLocked()
		if evicted == 0 && ev.Priority == PriorityLow {
			q.log.WithFields(logrus.Fields{
				"event": ev.Type,
				"depth": len(q.entries),
			}).Warn("queue full, rejecting low-priority event")
			return ErrQueueFull
		}
	}

	q.insertLocked(ev)
	return nil
}

// insertLocked places ev after the last entry of equal-or-higher priority.
func (q *DeliveryQueue) insertLocked(ev *Event) {
	idx := len(q.entries)
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].Priority <= ev.Priority {
			break
		}
		idx = i
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = ev
}

// evictOldestLocked removes ~10% of capacity, oldest first, drawn only from
// the low and medium tiers. Returns the number evicted.
func (q *DeliveryQueue) evictOldestLocked() int {
	target := q.cfg.Capacity / 10
	if target < 1 {
		target = 1
	}

	type candidate struct {
		idx int
		at  time.Time
	}
	var cands []candidate
	for i, e := range q.entries {
		if e.Priority == PriorityLow || e.Priority == PriorityMedium {
			cands = append(cands, candidate{i, e.EnqueuedAt})
		}
	}
	if len(cands) == 0 {
		return 0
	}
	// Oldest first.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].at.Before(cands[j-1].at); j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	if target > len(cands) {
		target = len(cands)
	}

	drop := make(map[int]bool, target)
	for _, c := range cands[:target] {
		drop[c.idx] = true
	}
	kept := q.entries[:0]
	for i, e := range q.entries {
		if !drop[i] {
			kept = append(kept, e)
		}
	}
	evicted := len(q.entries) - len(kept)
	q.entries = kept
	q.log.WithField("evicted", evicted).Warn("queue at capacity, evicted oldest low/medium entries")
	return evicted
}

// Len returns the current queue depth.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Processed reports whether the event with the given id has been delivered.
func (q *DeliveryQueue) Processed(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed[id]
}

// Clear discards all queued entries and processed-id bookkeeping.
func (q *DeliveryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.processed = make(map[uuid.UUID]bool)
}
