package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Host string `env:"COURIER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"COURIER_PORT"`

	// Connection lifecycle
	HeartbeatIntervalSeconds int `env:"COURIER_HEARTBEAT_INTERVAL_SECONDS" envDefault:"30"`
	MaxClientsPerChannel     int `env:"COURIER_MAX_CLIENTS_PER_CHANNEL" envDefault:"100"`
	MaxTotalClients          int `env:"COURIER_MAX_TOTAL_CLIENTS" envDefault:"0"` // 0 = unlimited
	OutboundQueueCapacity    int `env:"COURIER_OUTBOUND_QUEUE_CAPACITY" envDefault:"256"`
	ShutdownDeadlineSeconds  int `env:"COURIER_SHUTDOWN_DEADLINE_SECONDS" envDefault:"30"`

	// Authentication
	AuthRequired      bool   `env:"COURIER_AUTH_REQUIRED" envDefault:"false"`
	AuthSecret        string `env:"COURIER_AUTH_SECRET"`
	AuthAlgorithm     string `env:"COURIER_AUTH_ALGORITHM" envDefault:"HS256"`
	AuthLeewaySeconds int    `env:"COURIER_AUTH_LEEWAY_SECONDS" envDefault:"0"`

	// Envelope validation
	MaxEventBytes     int      `env:"COURIER_MAX_EVENT_BYTES" envDefault:"1048576"`
	MaxStringLength   int      `env:"COURIER_MAX_STRING_LENGTH" envDefault:"10000"`
	MaxArrayLength    int      `env:"COURIER_MAX_ARRAY_LENGTH" envDefault:"1000"`
	MaxNestingDepth   int      `env:"COURIER_MAX_NESTING_DEPTH" envDefault:"10"`
	AllowedEventTypes []string `env:"COURIER_ALLOWED_EVENT_TYPES" envSeparator:","`

	// Publish rate limiting
	RateTokensPerSecond float64 `env:"COURIER_RATE_TOKENS_PER_SECOND" envDefault:"50"`
	RateBurst           int     `env:"COURIER_RATE_BURST" envDefault:"100"`
	// Per-type overrides, comma separated "type=rate:burst" entries,
	// e.g. "trade.executed=200:400,backtest.progress=20:40"
	RatePerType []string `env:"COURIER_RATE_PER_TYPE" envSeparator:","`

	// Channels
	PreconfiguredChannels []string `env:"COURIER_PRECONFIGURED_CHANNELS" envSeparator:","`
	ChannelGraceSeconds   int      `env:"COURIER_CHANNEL_GRACE_SECONDS" envDefault:"60"`

	// Legacy clients send a bare text "ping" instead of a structured frame.
	LegacyTextPing bool `env:"COURIER_LEGACY_TEXT_PING" envDefault:"true"`

	// Health reports degraded above this RSS watermark. 0 disables the check.
	MemorySoftLimitBytes uint64 `env:"COURIER_MEMORY_SOFT_LIMIT_BYTES" envDefault:"0"`

	// Optional NATS ingest (empty URL disables it)
	NATSURL     string `env:"COURIER_NATS_URL"`
	NATSSubject string `env:"COURIER_NATS_SUBJECT" envDefault:"courier.publish.>"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// RateOverride is one parsed COURIER_RATE_PER_TYPE entry.
type RateOverride struct {
	TokensPerSecond float64
	Burst           int
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, load is silent.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production uses env vars directly.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("COURIER_PORT is required and must be 1-65535, got %d", c.Port)
	}
	if c.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("COURIER_HEARTBEAT_INTERVAL_SECONDS must be > 0, got %d", c.HeartbeatIntervalSeconds)
	}
	if c.MaxClientsPerChannel < 1 {
		return fmt.Errorf("COURIER_MAX_CLIENTS_PER_CHANNEL must be > 0, got %d", c.MaxClientsPerChannel)
	}
	if c.MaxTotalClients < 0 {
		return fmt.Errorf("COURIER_MAX_TOTAL_CLIENTS must be >= 0, got %d", c.MaxTotalClients)
	}
	if c.OutboundQueueCapacity < 1 {
		return fmt.Errorf("COURIER_OUTBOUND_QUEUE_CAPACITY must be > 0, got %d", c.OutboundQueueCapacity)
	}
	if c.ShutdownDeadlineSeconds < 1 {
		return fmt.Errorf("COURIER_SHUTDOWN_DEADLINE_SECONDS must be > 0, got %d", c.ShutdownDeadlineSeconds)
	}

	if c.AuthRequired {
		if c.AuthSecret == "" {
			return fmt.Errorf("COURIER_AUTH_SECRET is required when COURIER_AUTH_REQUIRED=true")
		}
		switch c.AuthAlgorithm {
		case "HS256", "HS384", "HS512":
		default:
			return fmt.Errorf("COURIER_AUTH_ALGORITHM must be one of: HS256, HS384, HS512 (got: %s)", c.AuthAlgorithm)
		}
		if c.AuthLeewaySeconds < 0 {
			return fmt.Errorf("COURIER_AUTH_LEEWAY_SECONDS must be >= 0, got %d", c.AuthLeewaySeconds)
		}
	}

	if c.MaxEventBytes < 1 {
		return fmt.Errorf("COURIER_MAX_EVENT_BYTES must be > 0, got %d", c.MaxEventBytes)
	}
	if c.MaxStringLength < 1 {
		return fmt.Errorf("COURIER_MAX_STRING_LENGTH must be > 0, got %d", c.MaxStringLength)
	}
	if c.MaxArrayLength < 1 {
		return fmt.Errorf("COURIER_MAX_ARRAY_LENGTH must be > 0, got %d", c.MaxArrayLength)
	}
	if c.MaxNestingDepth < 1 {
		return fmt.Errorf("COURIER_MAX_NESTING_DEPTH must be > 0, got %d", c.MaxNestingDepth)
	}

	if c.RateTokensPerSecond <= 0 {
		return fmt.Errorf("COURIER_RATE_TOKENS_PER_SECOND must be > 0, got %g", c.RateTokensPerSecond)
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("COURIER_RATE_BURST must be > 0, got %d", c.RateBurst)
	}
	if _, err := c.RateOverrides(); err != nil {
		return err
	}

	if c.ChannelGraceSeconds < 0 {
		return fmt.Errorf("COURIER_CHANNEL_GRACE_SECONDS must be >= 0, got %d", c.ChannelGraceSeconds)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// RateOverrides parses COURIER_RATE_PER_TYPE entries into a map keyed by
// event type. Entry format: "type=rate:burst".
func (c *Config) RateOverrides() (map[string]RateOverride, error) {
	out := make(map[string]RateOverride, len(c.RatePerType))
	for _, entry := range c.RatePerType {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		eventType, spec, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("COURIER_RATE_PER_TYPE entry %q: expected type=rate:burst", entry)
		}
		rateStr, burstStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("COURIER_RATE_PER_TYPE entry %q: expected type=rate:burst", entry)
		}
		rateVal, err := strconv.ParseFloat(rateStr, 64)
		if err != nil || rateVal <= 0 {
			return nil, fmt.Errorf("COURIER_RATE_PER_TYPE entry %q: bad rate %q", entry, rateStr)
		}
		burst, err := strconv.Atoi(burstStr)
		if err != nil || burst < 1 {
			return nil, fmt.Errorf("COURIER_RATE_PER_TYPE entry %q: bad burst %q", entry, burstStr)
		}
		out[strings.TrimSpace(eventType)] = RateOverride{TokensPerSecond: rateVal, Burst: burst}
	}
	return out, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HeartbeatInterval returns the keepalive probe period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// ShutdownDeadline returns the graceful drain budget.
func (c *Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownDeadlineSeconds) * time.Second
}

// ChannelGrace returns how long an empty ephemeral channel survives.
func (c *Config) ChannelGrace() time.Duration {
	return time.Duration(c.ChannelGraceSeconds) * time.Second
}

// AuthLeeway returns the token expiry clock-skew allowance.
func (c *Config) AuthLeeway() time.Duration {
	return time.Duration(c.AuthLeewaySeconds) * time.Second
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Int("heartbeat_interval_sec", c.HeartbeatIntervalSeconds).
		Int("max_clients_per_channel", c.MaxClientsPerChannel).
		Int("max_total_clients", c.MaxTotalClients).
		Int("outbound_queue_capacity", c.OutboundQueueCapacity).
		Int("shutdown_deadline_sec", c.ShutdownDeadlineSeconds).
		Bool("auth_required", c.AuthRequired).
		Str("auth_algorithm", c.AuthAlgorithm).
		Int("max_event_bytes", c.MaxEventBytes).
		Strs("allowed_event_types", c.AllowedEventTypes).
		Float64("rate_tokens_per_second", c.RateTokensPerSecond).
		Int("rate_burst", c.RateBurst).
		Strs("preconfigured_channels", c.PreconfiguredChannels).
		Bool("legacy_text_ping", c.LegacyTextPing).
		Uint64("memory_soft_limit_bytes", c.MemorySoftLimitBytes).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Broker configuration loaded")
}
