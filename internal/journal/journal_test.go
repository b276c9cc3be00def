// internal/journal/journal_test.go
package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
)

type captureSink struct {
	mu   sync.Mutex
	recs []models.ActionRecord
}

func (c *captureSink) Publish(_ context.Context, rec models.ActionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestRecordKeepsInsertionOrder(t *testing.T) {
	j := New(16, nil, quietLogger())
	actor := uuid.New()
	j.Record(models.ActionRecord{ActorID: actor, Kind: models.ActionDraw, TurnNumber: 1})
	j.Record(models.ActionRecord{ActorID: actor, Kind: models.ActionDiscard, TurnNumber: 1})

	recs := j.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, models.ActionDraw, recs[0].Kind)
	assert.Equal(t, models.ActionDiscard, recs[1].Kind)
	assert.False(t, recs[0].Timestamp.IsZero(), "timestamp filled in on record")
}

func TestBoundedDropsOldestFirst(t *testing.T) {
	j := New(3, nil, quietLogger())
	for i := 1; i <= 5; i++ {
		j.Record(models.ActionRecord{Kind: models.ActionDraw, TurnNumber: i})
	}

	recs := j.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, 3, recs[0].TurnNumber)
	assert.Equal(t, 5, recs[2].TurnNumber)
}

func TestSinkReceivesRecords(t *testing.T) {
	sink := &captureSink{}
	j := New(16, sink, quietLogger())
	j.Record(models.ActionRecord{Kind: models.ActionCall})
	j.Record(models.ActionRecord{Kind: models.ActionMahjong})

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStats(t *testing.T) {
	j := New(16, nil, quietLogger())
	a, b := uuid.New(), uuid.New()
	j.Record(models.ActionRecord{ActorID: a, Kind: models.ActionDraw})
	j.Record(models.ActionRecord{ActorID: a, Kind: models.ActionDiscard})
	j.Record(models.ActionRecord{ActorID: b, Kind: models.ActionDraw})

	stats := j.Stats()
	assert.Equal(t, 3, stats["totalActions"])
	assert.Equal(t, map[string]int{a.String(): 2, b.String(): 1}, stats["actionsByActor"])
	assert.Equal(t, map[string]int{"draw": 2, "discard": 1}, stats["actionsByKind"])
}

func TestReset(t *testing.T) {
	j := New(16, nil, quietLogger())
	j.Record(models.ActionRecord{Kind: models.ActionDraw})
	j.Reset()
	assert.Zero(t, j.Len())
}
