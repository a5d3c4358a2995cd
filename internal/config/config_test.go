package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Exchange: ExchangeConfig{
			Symbol:          "BTC/JPY",
			BaseURL:         "https://api.example-exchange.jp",
			APIKey:          "key",
			APISecret:       "secret",
			RateLimitGet:    10,
			RateLimitPost:   6,
			RateLimitWindow: time.Second,
		},
		Risk: RiskConfig{
			MaxDrawdownRatio:     0.20,
			ConsecutiveLossLimit: 8,
			KellySafetyFactor:    0.7,
			KellyCap:             0.03,
			MinTradesForKelly:    5,
		},
		Execution: ExecutionConfig{
			MaxConcurrentExecutions: 5,
			ExecutionTimeout:        300 * time.Second,
		},
		State: StateConfig{
			PersistencePath: "/tmp/state.json",
			Mode:            ModeLive,
		},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing symbol", func(c *Config) { c.Exchange.Symbol = "" }},
		{"missing base url", func(c *Config) { c.Exchange.BaseURL = "" }},
		{"missing api key", func(c *Config) { c.Exchange.APIKey = "" }},
		{"missing api secret", func(c *Config) { c.Exchange.APISecret = "" }},
		{"zero get limit", func(c *Config) { c.Exchange.RateLimitGet = 0 }},
		{"drawdown ratio out of range", func(c *Config) { c.Risk.MaxDrawdownRatio = 1.5 }},
		{"kelly safety factor out of range", func(c *Config) { c.Risk.KellySafetyFactor = 0.01 }},
		{"kelly cap out of range", func(c *Config) { c.Risk.KellyCap = 0.2 }},
		{"min trades out of range", func(c *Config) { c.Risk.MinTradesForKelly = 2 }},
		{"zero concurrent executions", func(c *Config) { c.Execution.MaxConcurrentExecutions = 0 }},
		{"missing persistence path", func(c *Config) { c.State.PersistencePath = "" }},
		{"invalid mode", func(c *Config) { c.State.Mode = "unknown" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLocationDefaultsToAsiaTokyo(t *testing.T) {
	t.Parallel()
	cfg := validConfig()

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}

func TestLocationRejectsUnknownTimezone(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.State.Timezone = "Not/A_Zone"

	_, err := cfg.Location()
	assert.Error(t, err)
}
