package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"pumpcrash/internal/fairness"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`

	Storage        string        `env:"STORAGE" envDefault:"postgres"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	MaxOpenConns   int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	StorageTimeout time.Duration `env:"STORAGE_TIMEOUT" envDefault:"5s"`
	StorageRetries int           `env:"STORAGE_RETRIES" envDefault:"3"`
	StorageBackoff time.Duration `env:"STORAGE_BACKOFF" envDefault:"50ms"`

	StartDelay   time.Duration `env:"START_DELAY" envDefault:"5s"`
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"150ms"`
	PauseDelay   time.Duration `env:"PAUSE_DELAY" envDefault:"3s"`
	GrowthRate   float64       `env:"GROWTH_RATE" envDefault:"0.00006"`

	HouseEdgeBPS   int64 `env:"HOUSE_EDGE_BPS" envDefault:"100"`
	BetGranularity int64 `env:"BET_GRANULARITY" envDefault:"100"`
	MaxBet         int64 `env:"MAX_BET" envDefault:"100000000"`
	BonusBPS       int64 `env:"BONUS_BPS" envDefault:"0"`
	BankrollOffset int64 `env:"BANKROLL_OFFSET" envDefault:"0"`

	HistorySize     int `env:"HISTORY_SIZE" envDefault:"10"`
	ChatHistorySize int `env:"CHAT_HISTORY_SIZE" envDefault:"100"`

	// memory storage only
	ChainSeed   string `env:"CHAIN_SEED"`
	ChainLength int    `env:"CHAIN_LENGTH" envDefault:"100000"`

	GenesisID int64 `env:"GENESIS_ID" envDefault:"999999"`
	// GenesisHash defaults to fairness.GenesisHash.
	GenesisHash string `env:"GENESIS_HASH"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads an optional .env file, then the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.GenesisHash == "" {
		cfg.GenesisHash = fairness.GenesisHash
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}
	if c.HouseEdgeBPS < 0 || c.HouseEdgeBPS >= 10000 {
		return fmt.Errorf("HOUSE_EDGE_BPS out of range: %d", c.HouseEdgeBPS)
	}
	if c.BetGranularity <= 0 || c.MaxBet < c.BetGranularity {
		return fmt.Errorf("invalid bet limits: granularity %d, max %d", c.BetGranularity, c.MaxBet)
	}
	if c.TickInterval <= 0 || c.GrowthRate <= 0 {
		return errors.New("TICK_INTERVAL and GROWTH_RATE must be positive")
	}
	if c.BonusBPS < 0 {
		return fmt.Errorf("BONUS_BPS must not be negative: %d", c.BonusBPS)
	}
	if c.HistorySize <= 0 || c.ChatHistorySize <= 0 {
		return errors.New("history sizes must be positive")
	}
	return nil
}
