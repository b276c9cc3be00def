// internal/queue/queue_test.go
package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/events"
)

// fakeSender records delivery attempts and fails events listed in failing.
type fakeSender struct {
	mu       sync.Mutex
	sent     []events.Type
	attempts map[events.Type]int
	failing  map[events.Type]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		attempts: make(map[events.Type]int),
		failing:  make(map[events.Type]bool),
	}
}

func (f *fakeSender) Send(_ context.Context, t events.Type, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[t]++
	if f.failing[t] {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, t)
	return nil
}

func (f *fakeSender) sentTypes() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Type{}, f.sent...)
}

func testQueue(cfg Config) *DeliveryQueue {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(cfg, log)
}

func quietConfig() Config {
	return Config{
		RetryDelay:       time.Millisecond,
		DispatchInterval: -1,
	}
}

func TestDrainPriorityOrder(t *testing.T) {
	q := testQueue(quietConfig())
	sender := newFakeSender()

	require.NoError(t, q.Enqueue(&Event{Type: "ev-low", Priority: PriorityLow}))
	require.NoError(t, q.Enqueue(&Event{Type: "ev-critical", Priority: PriorityCritical}))
	require.NoError(t, q.Enqueue(&Event{Type: "ev-medium", Priority: PriorityMedium}))

	stats, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)

	assert.Equal(t, []events.Type{"ev-critical", "ev-medium", "ev-low"}, sender.sentTypes())
	assert.Equal(t, 3, stats.Successful)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, q.Len())
}

func TestDrainFIFOWithinTier(t *testing.T) {
	q := testQueue(quietConfig())
	sender := newFakeSender()

	require.NoError(t, q.Enqueue(&Event{Type: "first", Priority: PriorityHigh}))
	require.NoError(t, q.Enqueue(&Event{Type: "second", Priority: PriorityHigh}))
	require.NoError(t, q.Enqueue(&Event{Type: "third", Priority: PriorityHigh}))

	_, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, []events.Type{"first", "second", "third"}, sender.sentTypes())
}

func TestRetryBudgetExhaustion(t *testing.T) {
	q := testQueue(quietConfig())
	sender := newFakeSender()
	sender.failing["doomed"] = true

	require.NoError(t, q.Enqueue(&Event{Type: "doomed", Priority: PriorityHigh, MaxRetries: 2}))

	var terminal *EventError
	// maxRetries+1 attempts spread over successive passes.
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond) // let the retry delay lapse
		stats, err := q.Drain(context.Background(), sender)
		require.NoError(t, err)
		for i := range stats.Errors {
			if stats.Errors[i].Kind == ErrorMaxRetries {
				terminal = &stats.Errors[i]
			}
		}
	}

	assert.Equal(t, 3, sender.attempts["doomed"], "attempted exactly maxRetries+1 times")
	require.NotNil(t, terminal, "terminal error reported")
	assert.Equal(t, events.Type("doomed"), terminal.EventType)
	assert.Equal(t, 0, q.Len(), "dropped from the queue")
}

func TestExpiredEventNeverDelivered(t *testing.T) {
	q := testQueue(quietConfig())
	sender := newFakeSender()

	require.NoError(t, q.Enqueue(&Event{
		Type:      "stale",
		Priority:  PriorityHigh,
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	stats, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)

	assert.Empty(t, sender.sentTypes())
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, q.Len())
}

func TestDependencyOrdering(t *testing.T) {
	cfg := quietConfig()
	cfg.TrackDependencies = true
	q := testQueue(cfg)
	sender := newFakeSender()

	idA := uuid.New()
	// B is enqueued first and at higher priority, but depends on A.
	require.NoError(t, q.Enqueue(&Event{Type: "ev-b", Priority: PriorityCritical, DependsOn: []uuid.UUID{idA}}))
	require.NoError(t, q.Enqueue(&Event{ID: idA, Type: "ev-a", Priority: PriorityLow}))

	_, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, []events.Type{"ev-a", "ev-b"}, sender.sentTypes())
	assert.True(t, q.Processed(idA))
}

func TestDependencyUnmetLeavesQueued(t *testing.T) {
	q := testQueue(quietConfig()) // dependency tracking off: order not rewritten
	sender := newFakeSender()

	missing := uuid.New()
	require.NoError(t, q.Enqueue(&Event{Type: "blocked", Priority: PriorityHigh, DependsOn: []uuid.UUID{missing}}))

	stats, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, q.Len(), "left queued for the next pass")
	assert.Empty(t, sender.sentTypes())
}

func TestDependencyCycleForcedThrough(t *testing.T) {
	cfg := quietConfig()
	cfg.TrackDependencies = true
	q := testQueue(cfg)
	sender := newFakeSender()

	idA, idB := uuid.New(), uuid.New()
	require.NoError(t, q.Enqueue(&Event{ID: idA, Type: "cyc-a", Priority: PriorityHigh, DependsOn: []uuid.UUID{idB}}))
	require.NoError(t, q.Enqueue(&Event{ID: idB, Type: "cyc-b", Priority: PriorityHigh, DependsOn: []uuid.UUID{idA}}))

	stats, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Successful, "cycle members forced through")
	cycleWarnings := 0
	for _, e := range stats.Errors {
		if e.Kind == ErrorCycle {
			cycleWarnings++
		}
	}
	assert.Equal(t, 2, cycleWarnings)
	assert.Equal(t, 0, q.Len())
}

func TestCapacityEvictionProtectsCriticalAndHigh(t *testing.T) {
	cfg := quietConfig()
	cfg.Capacity = 10
	q := testQueue(cfg)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(&Event{Type: "crit", Priority: PriorityCritical}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(&Event{Type: "med", Priority: PriorityMedium}))
	}
	require.Equal(t, 10, q.Len())

	// Over capacity: eviction must only remove low/medium entries.
	require.NoError(t, q.Enqueue(&Event{Type: "extra", Priority: PriorityHigh}))
	assert.LessOrEqual(t, q.Len(), 10)

	sender := newFakeSender()
	_, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, 5, sender.attempts["crit"], "critical entries survived eviction")
}

func TestFullQueueRejectsLowTier(t *testing.T) {
	cfg := quietConfig()
	cfg.Capacity = 4
	q := testQueue(cfg)

	// Fill with entries eviction cannot touch.
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(&Event{Type: "crit", Priority: PriorityCritical}))
	}
	err := q.Enqueue(&Event{Type: "late-low", Priority: PriorityLow})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestFailedEventDemotedToLowTier(t *testing.T) {
	q := testQueue(quietConfig())
	sender := newFakeSender()
	sender.failing["flaky"] = true

	require.NoError(t, q.Enqueue(&Event{Type: "flaky", Priority: PriorityCritical, MaxRetries: 3}))
	stats, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)

	// Next pass: a fresh high-tier event outranks the demoted retry.
	sender.failing["flaky"] = false
	require.NoError(t, q.Enqueue(&Event{Type: "fresh", Priority: PriorityHigh}))
	time.Sleep(2 * time.Millisecond)
	_, err = q.Drain(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, []events.Type{"fresh", "flaky"}, sender.sentTypes())
}

func TestDrainNonReentrant(t *testing.T) {
	cfg := quietConfig()
	cfg.DispatchInterval = 20 * time.Millisecond
	q := testQueue(cfg)

	block := newFakeSender()
	require.NoError(t, q.Enqueue(&Event{Type: "a", Priority: PriorityHigh}))
	require.NoError(t, q.Enqueue(&Event{Type: "b", Priority: PriorityHigh}))

	started := make(chan struct{})
	done := make(chan DrainStats, 1)
	go func() {
		close(started)
		stats, _ := q.Drain(context.Background(), block)
		done <- stats
	}()

	<-started
	time.Sleep(5 * time.Millisecond) // first drain now mid-pass
	stats, err := q.Drain(context.Background(), block)
	require.NoError(t, err)
	assert.Equal(t, DrainStats{}, stats, "concurrent drain is a no-op")

	first := <-done
	assert.Equal(t, 2, first.Successful)
}

func TestEnqueueDuringDrainMergesIntoNextPass(t *testing.T) {
	q := testQueue(quietConfig())
	sender := newFakeSender()

	require.NoError(t, q.Enqueue(&Event{Type: "pass-one", Priority: PriorityHigh}))
	_, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(&Event{Type: "pass-two", Priority: PriorityHigh}))
	stats, err := q.Drain(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, []events.Type{"pass-one", "pass-two"}, sender.sentTypes())
}
