package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from COUCHFEED_* environment variables.
type Config struct {
	URL         string            `env:"COUCHFEED_URL,required,notEmpty"`
	Databases   []string          `env:"COUCHFEED_DATABASES,required,notEmpty" envSeparator:","`
	Headers     map[string]string `env:"COUCHFEED_HEADERS"`
	Mode        string            `env:"COUCHFEED_MODE"               envDefault:"start"`
	Since       string            `env:"COUCHFEED_SINCE"              envDefault:"now"`
	BatchSize   int               `env:"COUCHFEED_BATCH_SIZE"         envDefault:"100"`
	IncludeDocs bool              `env:"COUCHFEED_INCLUDE_DOCS"`
	FastChanges bool              `env:"COUCHFEED_FAST_CHANGES"`
	Timeout     time.Duration     `env:"COUCHFEED_TIMEOUT"            envDefault:"60s"`

	PostgresURL string `env:"COUCHFEED_POSTGRES_URL"`
	KeepDeleted bool   `env:"COUCHFEED_KEEP_DELETED"`
	DataIndex   bool   `env:"COUCHFEED_DATA_INDEX"`

	LogLevel slog.Level `env:"COUCHFEED_LOG_LEVEL" envDefault:"info"`
}

const (
	modeStart = "start"
	modeGet   = "get"
	modeSpool = "spool"
)

func parseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Mode {
	case modeStart, modeGet, modeSpool:
	default:
		return fmt.Errorf("config: COUCHFEED_MODE %q: want start, get or spool", c.Mode)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: COUCHFEED_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if len(c.Databases) == 0 {
		return fmt.Errorf("config: COUCHFEED_DATABASES is empty")
	}
	seen := make(map[string]bool, len(c.Databases))
	for _, db := range c.Databases {
		if db == "" {
			return fmt.Errorf("config: COUCHFEED_DATABASES contains an empty name")
		}
		if seen[db] {
			return fmt.Errorf("config: database %q listed twice", db)
		}
		seen[db] = true
	}
	return nil
}
