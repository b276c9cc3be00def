// internal/journal/redis.go
package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/thetrev68/american-mahjong-assistant-sub003/internal/models"
)

// actionListKey is the Redis list consumed by the historian side.
const actionListKey = "mahjong:action_log"

// RedisSink publishes action records to a Redis list for out-of-process
// consumers (statistics, opponent-behavior analysis).
type RedisSink struct {
	rdb *redis.Client
}

// NewRedisSink connects a sink to the Redis instance at addr.
func NewRedisSink(addr string) *RedisSink {
	return &RedisSink{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Publish appends one record to the action list.
func (s *RedisSink) Publish(ctx context.Context, rec models.ActionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	if err := s.rdb.RPush(ctx, actionListKey, raw).Err(); err != nil {
		return fmt.Errorf("journal: publish record: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
