package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config describes the listflow process configuration.
type Config struct {
	Env  string
	Addr string

	DBDriver string
	DBDSN    string

	TriggerSecret string

	TickSpec   string
	RetrySpec  string
	Tolerance  time.Duration
	MaxPerTick int
	StaleAfter time.Duration

	RetryDelay     time.Duration
	RetryBatchSize int

	TokenCacheSize int
	TokenCacheTTL  time.Duration

	OTelEndpoint string
	LogLevel     string

	Channels []Channel
}

// Channel configures one channel client.
type Channel struct {
	Name     string            `json:"name"`
	Kind     string            `json:"kind"` // webhook | command
	Endpoint string            `json:"endpoint,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Tokens   map[string]string `json:"tokens,omitempty"` // account -> bearer token
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
}

// rawEnv holds raw env values.
type rawEnv struct {
	Env            string        `env:"LISTFLOW_ENV"              envDefault:"development"`
	Addr           string        `env:"LISTFLOW_ADDR"             envDefault:":8080"`
	DBDriver       string        `env:"LISTFLOW_DB_DRIVER"        envDefault:"sqlite"`
	DBDSN          string        `env:"LISTFLOW_DB_DSN"           envDefault:"listflow.db"`
	TriggerSecret  string        `env:"LISTFLOW_TRIGGER_SECRET"`
	TickSpec       string        `env:"LISTFLOW_TICK_SPEC"        envDefault:"@every 1m"`
	RetrySpec      string        `env:"LISTFLOW_RETRY_SPEC"       envDefault:"@every 10m"`
	Tolerance      time.Duration `env:"LISTFLOW_TOLERANCE"        envDefault:"5m"`
	MaxPerTick     int           `env:"LISTFLOW_MAX_PER_TICK"     envDefault:"5"`
	StaleAfter     time.Duration `env:"LISTFLOW_STALE_AFTER"      envDefault:"30m"`
	RetryDelay     time.Duration `env:"LISTFLOW_RETRY_DELAY"      envDefault:"1s"`
	RetryBatchSize int           `env:"LISTFLOW_RETRY_BATCH"      envDefault:"100"`
	TokenCacheSize int           `env:"LISTFLOW_TOKEN_CACHE_SIZE" envDefault:"128"`
	TokenCacheTTL  time.Duration `env:"LISTFLOW_TOKEN_CACHE_TTL"  envDefault:"50m"`
	OTelEndpoint   string        `env:"LISTFLOW_OTEL_ENDPOINT"`
	LogLevel       string        `env:"LISTFLOW_LOG_LEVEL"        envDefault:"info"`
	ChannelsJSON   string        `env:"LISTFLOW_CHANNELS"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg := Config{
		Env:            raw.Env,
		Addr:           raw.Addr,
		DBDriver:       raw.DBDriver,
		DBDSN:          raw.DBDSN,
		TriggerSecret:  raw.TriggerSecret,
		TickSpec:       raw.TickSpec,
		RetrySpec:      raw.RetrySpec,
		Tolerance:      raw.Tolerance,
		MaxPerTick:     raw.MaxPerTick,
		StaleAfter:     raw.StaleAfter,
		RetryDelay:     raw.RetryDelay,
		RetryBatchSize: raw.RetryBatchSize,
		TokenCacheSize: raw.TokenCacheSize,
		TokenCacheTTL:  raw.TokenCacheTTL,
		OTelEndpoint:   raw.OTelEndpoint,
		LogLevel:       raw.LogLevel,
	}
	if raw.ChannelsJSON != "" {
		if err := json.Unmarshal([]byte(raw.ChannelsJSON), &cfg.Channels); err != nil {
			return Config{}, fmt.Errorf("parse LISTFLOW_CHANNELS: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Production() bool { return c.Env == "production" }

func (c Config) Validate() error {
	if c.Production() && c.TriggerSecret == "" {
		return fmt.Errorf("LISTFLOW_TRIGGER_SECRET is required in production")
	}
	if c.MaxPerTick <= 0 {
		return fmt.Errorf("LISTFLOW_MAX_PER_TICK must be positive")
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel name is required")
		}
		if seen[ch.Name] {
			return fmt.Errorf("channel %q configured twice", ch.Name)
		}
		seen[ch.Name] = true
		switch ch.Kind {
		case "webhook":
			if ch.Endpoint == "" {
				return fmt.Errorf("channel %q: endpoint is required", ch.Name)
			}
		case "command":
			if ch.Command == "" {
				return fmt.Errorf("channel %q: command is required", ch.Name)
			}
		default:
			return fmt.Errorf("channel %q: unknown kind %q", ch.Name, ch.Kind)
		}
		if ch.Timeout != "" {
			if _, err := time.ParseDuration(ch.Timeout); err != nil {
				return fmt.Errorf("channel %q: invalid timeout: %w", ch.Name, err)
			}
		}
	}
	return nil
}

// TimeoutDuration returns the parsed channel timeout, zero when unset.
func (ch Channel) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(ch.Timeout)
	return d
}
