package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "token: ${TEST_BROKER_TOKEN}",
			envVars: map[string]string{
				"TEST_BROKER_TOKEN": "tok_123",
			},
			expected: "token: tok_123",
		},
		{
			name:  "expand multiple env vars",
			input: "token: ${BROKER_TOKEN}\naccount_id: ${BROKER_ACCOUNT}",
			envVars: map[string]string{
				"BROKER_TOKEN":   "tok_value",
				"BROKER_ACCOUNT": "acct_value",
			},
			expected: "token: tok_value\naccount_id: acct_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "token: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "token: ",
		},
		{
			name:  "mixed static and env vars",
			input: "port: 8090\ntoken: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "port: 8090\ntoken: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set up environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.App.SimulationMode)
	assert.Equal(t, "Asia/Shanghai", cfg.App.Timezone)
	assert.Equal(t, "data/sentinel.db", cfg.Database.Path)
	assert.Equal(t, -0.075, cfg.Trading.StopLossRatio)
	assert.Equal(t, 0.06, cfg.Trading.FirstTakeProfitRatio)
	assert.Equal(t, 0.60, cfg.Trading.FirstProfitSellRatio)
	assert.Equal(t, []float64{1.0, 0.93, 0.88}, cfg.Trading.BuyGridLevels)
	assert.Len(t, cfg.Trading.DynamicTiers, 7)
	assert.Equal(t, 0.96, cfg.Trading.DynamicTiers[0].Coefficient)
	assert.Equal(t, 0.80, cfg.Trading.DynamicTiers[6].Coefficient)
	assert.Equal(t, 3, cfg.Monitor.LoopIntervalSeconds)
	assert.Equal(t, 8, cfg.Monitor.CallTimeoutSeconds)
	assert.Equal(t, 5, cfg.Orders.PendingTimeoutMinutes)
	assert.Equal(t, "best", cfg.Orders.ReorderPriceMode)
	assert.Equal(t, 0.05, cfg.Grid.PriceInterval)
	assert.Equal(t, -0.10, cfg.Grid.StopLoss)
	assert.Equal(t, 7, cfg.Grid.DurationDays)
	assert.Equal(t, 3, cfg.MarketData.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 300, cfg.MarketData.CircuitBreaker.CooldownSeconds)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  log_level: "DEBUG"
  simulation_mode: true

trading:
  stop_loss_ratio: -0.05
  position_unit: 50000

grid:
  price_interval: 0.03
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, "DEBUG", cfg.App.LogLevel)
	assert.Equal(t, -0.05, cfg.Trading.StopLossRatio)
	assert.Equal(t, 50000.0, cfg.Trading.PositionUnit)
	assert.Equal(t, 0.03, cfg.Grid.PriceInterval)

	// Untouched keys keep defaults
	assert.Equal(t, 0.06, cfg.Trading.FirstTakeProfitRatio)
	assert.Equal(t, []float64{1.0, 0.93, 0.88}, cfg.Trading.BuyGridLevels)
	assert.Equal(t, 30, cfg.Orders.SweepIntervalSeconds)
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  simulation_mode: false

broker:
  gateway_url: "http://localhost:9000"
  stream_url: "ws://localhost:9000/stream"
  account_id: "${TEST_SENTINEL_ACCOUNT}"
  token: "${TEST_SENTINEL_TOKEN}"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_SENTINEL_ACCOUNT", "acct_from_env")
	os.Setenv("TEST_SENTINEL_TOKEN", "token_from_env")
	defer os.Unsetenv("TEST_SENTINEL_ACCOUNT")
	defer os.Unsetenv("TEST_SENTINEL_TOKEN")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "acct_from_env", cfg.Broker.AccountID)
	assert.Equal(t, Secret("token_from_env"), cfg.Broker.Token)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.App.LogLevel = "TRACE" },
			field:  "app.log_level",
		},
		{
			name:   "positive stop loss",
			mutate: func(c *Config) { c.Trading.StopLossRatio = 0.05 },
			field:  "trading.stop_loss_ratio",
		},
		{
			name:   "sell ratio over one",
			mutate: func(c *Config) { c.Trading.FirstProfitSellRatio = 1.5 },
			field:  "trading.first_profit_sell_ratio",
		},
		{
			name: "non-decreasing buy grid levels",
			mutate: func(c *Config) {
				c.Trading.BuyGridLevels = []float64{1.0, 0.93, 0.95}
			},
			field: "trading.buy_grid_levels",
		},
		{
			name: "tier threshold out of order",
			mutate: func(c *Config) {
				c.Trading.DynamicTiers = []ProfitTierConfig{
					{Threshold: 0.10, Coefficient: 0.93},
					{Threshold: 0.05, Coefficient: 0.96},
				}
			},
			field: "trading.dynamic_tiers",
		},
		{
			name:   "bad reorder price mode",
			mutate: func(c *Config) { c.Orders.ReorderPriceMode = "vwap" },
			field:  "orders.reorder_price_mode",
		},
		{
			name:   "grid interval too large",
			mutate: func(c *Config) { c.Grid.PriceInterval = 0.6 },
			field:  "grid.price_interval",
		},
		{
			name:   "positive grid stop loss",
			mutate: func(c *Config) { c.Grid.StopLoss = 0.1 },
			field:  "grid.stop_loss",
		},
		{
			name:   "bad trading session format",
			mutate: func(c *Config) { c.Monitor.TradingSessions = []string{"9:30-11:30"} },
			field:  "monitor.trading_sessions",
		},
		{
			name: "live mode requires broker endpoint",
			mutate: func(c *Config) {
				c.App.SimulationMode = false
				c.Broker.GatewayURL = ""
			},
			field: "broker.gateway_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Token = Secret("my_super_secret_broker_token")
	cfg.Server.AuthToken = Secret("my_super_secret_auth_token")
	cfg.Alerts.SlackWebhookURL = Secret("https://hooks.slack.com/services/secret")

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]", "output should contain the redaction marker")
	assert.NotContains(t, output, "my_super_secret_broker_token", "output should NOT contain the broker token")
	assert.NotContains(t, output, "my_super_secret_auth_token", "output should NOT contain the auth token")
	assert.NotContains(t, output, "hooks.slack.com", "output should NOT contain the webhook URL")
}
