// internal/config/config.go

// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the companion's runtime configuration.
type Config struct {
	CoordinatorURL string `env:"COORDINATOR_URL" envDefault:"ws://localhost:4000/ws"`
	PlayerID       string `env:"PLAYER_ID"`
	RoomID         string `env:"ROOM_ID"`
	StorePath      string `env:"STORE_PATH" envDefault:"companion.db"`
	RedisAddr      string `env:"REDIS_ADDR"` // empty disables the journal sink
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	TurnDuration time.Duration `env:"TURN_DURATION" envDefault:"60s"`
	CallWindow   time.Duration `env:"CALL_WINDOW" envDefault:"5s"`
	GracePeriod  time.Duration `env:"GRACE_PERIOD" envDefault:"30s"`

	QueueCapacity int           `env:"QUEUE_CAPACITY" envDefault:"200"`
	QueueExpiry   time.Duration `env:"QUEUE_EXPIRY" envDefault:"5m"`

	WallTiles int `env:"WALL_TILES" envDefault:"152"`

	ReconnectBaseDelay    time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay     time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts  int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"8"`
	RecoveryTimeout       time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"15s"`
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
