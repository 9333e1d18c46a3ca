package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Host:                     "0.0.0.0",
		Port:                     4000,
		HeartbeatIntervalSeconds: 30,
		MaxClientsPerChannel:     100,
		OutboundQueueCapacity:    256,
		ShutdownDeadlineSeconds:  30,
		AuthAlgorithm:            "HS256",
		MaxEventBytes:            1048576,
		MaxStringLength:          10000,
		MaxArrayLength:           1000,
		MaxNestingDepth:          10,
		RateTokensPerSecond:      50,
		RateBurst:                100,
		ChannelGraceSeconds:      60,
		LogLevel:                 "info",
		LogFormat:                "json",
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("COURIER_PORT", "4123")
	t.Setenv("COURIER_HEARTBEAT_INTERVAL_SECONDS", "10")
	t.Setenv("COURIER_PRECONFIGURED_CHANNELS", "global,user.u1")
	t.Setenv("COURIER_RATE_PER_TYPE", "trade.executed=200:400")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 4123, cfg.Port)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	require.Equal(t, []string{"global", "user.u1"}, cfg.PreconfiguredChannels)

	overrides, err := cfg.RateOverrides()
	require.NoError(t, err)
	require.Equal(t, RateOverride{TokensPerSecond: 200, Burst: 400}, overrides["trade.executed"])

	// Defaults fill everything not set.
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 256, cfg.OutboundQueueCapacity)
	require.False(t, cfg.AuthRequired)
	require.True(t, cfg.LegacyTextPing)
}

func TestLoadRequiresPort(t *testing.T) {
	_, err := Load(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "COURIER_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "COURIER_PORT"},
		{name: "zero heartbeat", mutate: func(c *Config) { c.HeartbeatIntervalSeconds = 0 }, wantErr: "HEARTBEAT"},
		{name: "zero queue", mutate: func(c *Config) { c.OutboundQueueCapacity = 0 }, wantErr: "QUEUE"},
		{name: "auth without secret", mutate: func(c *Config) { c.AuthRequired = true }, wantErr: "COURIER_AUTH_SECRET"},
		{name: "auth bad algorithm", mutate: func(c *Config) {
			c.AuthRequired = true
			c.AuthSecret = "secret"
			c.AuthAlgorithm = "RS256"
		}, wantErr: "COURIER_AUTH_ALGORITHM"},
		{name: "zero rate", mutate: func(c *Config) { c.RateTokensPerSecond = 0 }, wantErr: "TOKENS_PER_SECOND"},
		{name: "negative grace", mutate: func(c *Config) { c.ChannelGraceSeconds = -1 }, wantErr: "GRACE"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "LOG_LEVEL"},
		{name: "bad rate override", mutate: func(c *Config) { c.RatePerType = []string{"broken"} }, wantErr: "RATE_PER_TYPE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRateOverrides(t *testing.T) {
	cfg := validConfig()
	cfg.RatePerType = []string{"trade.executed=200:400", " backtest.progress=20:40 ", ""}

	overrides, err := cfg.RateOverrides()
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	require.Equal(t, RateOverride{TokensPerSecond: 200, Burst: 400}, overrides["trade.executed"])
	require.Equal(t, RateOverride{TokensPerSecond: 20, Burst: 40}, overrides["backtest.progress"])

	for _, bad := range []string{"noequals", "t=2", "t=x:4", "t=2:x", "t=0:4", "t=2:0"} {
		cfg.RatePerType = []string{bad}
		_, err := cfg.RateOverrides()
		require.Error(t, err, "entry %q", bad)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	cfg.AuthLeewaySeconds = 5

	require.Equal(t, "0.0.0.0:4000", cfg.Addr())
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	require.Equal(t, 30*time.Second, cfg.ShutdownDeadline())
	require.Equal(t, time.Minute, cfg.ChannelGrace())
	require.Equal(t, 5*time.Second, cfg.AuthLeeway())
}
