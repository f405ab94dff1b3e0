package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/efreitasn/stockmarket/internal/market"
	"github.com/efreitasn/stockmarket/internal/store"
)

// Config holds all runtime configuration for the exchange.
type Config struct {
	Port     int
	LogLevel string

	DataDir   string
	DBBackend string

	SweepInterval       time.Duration
	VoteTimeout         time.Duration
	CommitRetryInterval time.Duration

	// QuoteURL selects the HTTP price feed. When empty, StaticQuotes is
	// served instead.
	QuoteURL     string
	QuoteTimeout time.Duration
	StaticQuotes map[string]decimal.Decimal

	CORSAllowedOrigins []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LogDir is where the coordinator and participant recovery logs live.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "txnlog")
}

var defaults = map[string]any{
	"PORT":                  8080,
	"LOG_LEVEL":             "info",
	"DATA_DIR":              "data",
	"DB_BACKEND":            store.BackendGoLevelDB,
	"SWEEP_INTERVAL":        "1s",
	"VOTE_TIMEOUT":          "5s",
	"COMMIT_RETRY_INTERVAL": "200ms",
	"QUOTE_URL":             "",
	"QUOTE_TIMEOUT":         "2s",
	"STATIC_QUOTES":         "",
	"CORS_ALLOWED_ORIGINS":  "",
	"READ_TIMEOUT":          "5s",
	"WRITE_TIMEOUT":         "10s",
	"IDLE_TIMEOUT":          "60s",
	"SHUTDOWN_TIMEOUT":      "10s",
}

// Load reads configuration from the optional config file at path and from
// environment variables, which take precedence, applies defaults, and
// validates values. It returns an error for any invalid value.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		DataDir:  v.GetString("DATA_DIR"),
		QuoteURL: v.GetString("QUOTE_URL"),
	}
	var err error

	if cfg.Port, err = strconv.Atoi(v.GetString("PORT")); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", cfg.Port)
	}

	cfg.LogLevel = v.GetString("LOG_LEVEL")
	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	cfg.DBBackend = v.GetString("DB_BACKEND")
	if cfg.DBBackend != store.BackendMemDB && cfg.DBBackend != store.BackendGoLevelDB {
		return nil, fmt.Errorf("invalid DB_BACKEND: %q, must be one of: %s, %s", cfg.DBBackend, store.BackendMemDB, store.BackendGoLevelDB)
	}
	if cfg.DBBackend == store.BackendGoLevelDB && cfg.DataDir == "" {
		return nil, errors.New("DATA_DIR is required")
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		positive bool
	}{
		{"SWEEP_INTERVAL", &cfg.SweepInterval, true},
		{"VOTE_TIMEOUT", &cfg.VoteTimeout, true},
		{"COMMIT_RETRY_INTERVAL", &cfg.CommitRetryInterval, true},
		{"QUOTE_TIMEOUT", &cfg.QuoteTimeout, true},
		{"READ_TIMEOUT", &cfg.ReadTimeout, false},
		{"WRITE_TIMEOUT", &cfg.WriteTimeout, false},
		{"IDLE_TIMEOUT", &cfg.IdleTimeout, false},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, false},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(v.GetString(d.key)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if d.positive && *d.dst <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.key)
		}
	}

	if cfg.StaticQuotes, err = market.ParseStaticQuotes(v.GetString("STATIC_QUOTES")); err != nil {
		return nil, fmt.Errorf("invalid STATIC_QUOTES: %w", err)
	}

	for _, o := range strings.Split(v.GetString("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	return cfg, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
