// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Broker     BrokerConfig     `yaml:"broker"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Trading    TradingConfig    `yaml:"trading"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Orders     OrdersConfig     `yaml:"orders"`
	Grid       GridConfig       `yaml:"grid"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Probe      ProbeConfig      `yaml:"probe"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name           string `yaml:"name"`
	LogLevel       string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	Timezone       string `yaml:"timezone"`
	SimulationMode bool   `yaml:"simulation_mode"`
}

// DatabaseConfig contains the SQLite store settings
type DatabaseConfig struct {
	Path               string `yaml:"path" validate:"required"`
	BusyTimeoutSeconds int    `yaml:"busy_timeout_seconds" validate:"min=1,max=300"`
}

// BrokerConfig contains the broker gateway settings
type BrokerConfig struct {
	GatewayURL            string         `yaml:"gateway_url"`
	StreamURL             string         `yaml:"stream_url"`
	AccountID             string         `yaml:"account_id"`
	Token                 Secret         `yaml:"token"`
	UseSyncOrderAPI       bool           `yaml:"use_sync_order_api"`
	RequestTimeoutSeconds int            `yaml:"request_timeout_seconds" validate:"min=1,max=120"`
	OrderRate             float64        `yaml:"order_rate" validate:"min=0"`
	OrderBurst            int            `yaml:"order_burst" validate:"min=0"`
	StatusMap             map[int]string `yaml:"status_map"`
}

// CircuitBreakerConfig contains the market data circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled              bool `yaml:"enabled"`
	FailureThreshold     int  `yaml:"failure_threshold" validate:"min=1,max=100"`
	FailureWindowSeconds int  `yaml:"failure_window_seconds" validate:"min=1,max=3600"`
	CooldownSeconds      int  `yaml:"cooldown_seconds" validate:"min=1,max=3600"`
}

// MarketDataConfig contains market data source settings
type MarketDataConfig struct {
	BaseURL                  string               `yaml:"base_url"`
	QuoteTimeoutSeconds      int                  `yaml:"quote_timeout_seconds" validate:"min=1,max=60"`
	DailyHighCacheTTLSeconds int                  `yaml:"daily_high_cache_ttl_seconds" validate:"min=1,max=86400"`
	CircuitBreaker           CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProfitTierConfig is one row of the dynamic take-profit ladder
type ProfitTierConfig struct {
	Threshold   float64 `yaml:"threshold"`
	Coefficient float64 `yaml:"coefficient"`
}

// TradingConfig contains the position monitoring strategy parameters
type TradingConfig struct {
	EnableAutoTrading              bool               `yaml:"enable_auto_trading"`
	EnableDynamicStopProfit        bool               `yaml:"enable_dynamic_stop_profit"`
	EnableStopLossBuy              bool               `yaml:"enable_stop_loss_buy"`
	EnableGridTrading              bool               `yaml:"enable_grid_trading"`
	RequireProfitTriggered         bool               `yaml:"require_profit_triggered"`
	AllowTakeProfitFullWithPending bool               `yaml:"allow_take_profit_full_with_pending"`
	StopLossRatio                  float64            `yaml:"stop_loss_ratio"`
	MinStopLossTrigger             float64            `yaml:"min_stop_loss_trigger"`
	FirstTakeProfitRatio           float64            `yaml:"first_take_profit_ratio"`
	FirstProfitPullbackRatio       float64            `yaml:"first_profit_pullback_ratio"`
	FirstProfitSellRatio           float64            `yaml:"first_profit_sell_ratio"`
	DynamicTiers                   []ProfitTierConfig `yaml:"dynamic_tiers"`
	BuyGridLevels                  []float64          `yaml:"buy_grid_levels"`
	PositionUnit                   float64            `yaml:"position_unit"`
	MaxSinglePositionValue         float64            `yaml:"max_single_position_value"`
	MaxTotalPositionRatio          float64            `yaml:"max_total_position_ratio"`
}

// MonitorConfig contains the monitor loop settings
type MonitorConfig struct {
	LoopIntervalSeconds         int      `yaml:"loop_interval_seconds" validate:"min=1,max=300"`
	CallTimeoutSeconds          int      `yaml:"call_timeout_seconds" validate:"min=1,max=60"`
	NonTradeSleepSeconds        int      `yaml:"non_trade_sleep_seconds" validate:"min=1,max=3600"`
	PositionSyncIntervalSeconds int      `yaml:"position_sync_interval_seconds" validate:"min=1,max=3600"`
	ThreadCheckIntervalSeconds  int      `yaml:"thread_check_interval_seconds" validate:"min=1,max=3600"`
	TradingSessions             []string `yaml:"trading_sessions"`
	Workers                     int      `yaml:"workers" validate:"min=1,max=64"`
}

// OrdersConfig contains pending order lifecycle settings
type OrdersConfig struct {
	PendingTimeoutMinutes int    `yaml:"pending_timeout_minutes" validate:"min=1,max=120"`
	AutoCancel            bool   `yaml:"auto_cancel"`
	AutoReorder           bool   `yaml:"auto_reorder"`
	ReorderPriceMode      string `yaml:"reorder_price_mode" validate:"oneof=market limit best"`
	SweepIntervalSeconds  int    `yaml:"sweep_interval_seconds" validate:"min=1,max=600"`
}

// GridConfig contains grid trading session settings
type GridConfig struct {
	PriceInterval               float64 `yaml:"price_interval"`
	PositionRatio               float64 `yaml:"position_ratio"`
	CallbackRatio               float64 `yaml:"callback_ratio"`
	MaxDeviation                float64 `yaml:"max_deviation"`
	TargetProfit                float64 `yaml:"target_profit"`
	StopLoss                    float64 `yaml:"stop_loss"`
	DurationDays                int     `yaml:"duration_days" validate:"min=1,max=365"`
	LevelCooldownSeconds        int     `yaml:"level_cooldown_seconds" validate:"min=0,max=3600"`
	LockTimeoutSeconds          int     `yaml:"lock_timeout_seconds" validate:"min=1,max=60"`
	PositionQueryTimeoutSeconds int     `yaml:"position_query_timeout_seconds" validate:"min=1,max=60"`
}

// ServerConfig contains the dashboard server settings
type ServerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Port             int      `yaml:"port" validate:"min=1,max=65535"`
	AuthToken        Secret   `yaml:"auth_token"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	HeartbeatSeconds int      `yaml:"heartbeat_seconds" validate:"min=1,max=300"`
	MaxConnections   int      `yaml:"max_connections" validate:"min=1,max=10000"`
}

// MetricsConfig contains Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"min=1,max=65535"`
}

// ProbeConfig contains the gRPC health probe settings
type ProbeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AlertsConfig contains alert channel settings
type AlertsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Missing keys keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateDatabaseConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateBrokerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateMarketDataConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateMonitorConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateOrdersConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateGridConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	if c.Database.Path == "" {
		return ValidationError{
			Field:   "database.path",
			Message: "database path is required",
		}
	}
	return nil
}

func (c *Config) validateBrokerConfig() error {
	// Simulation mode runs without a broker endpoint
	if c.App.SimulationMode {
		return nil
	}

	if c.Broker.GatewayURL == "" {
		return ValidationError{
			Field:   "broker.gateway_url",
			Message: "gateway URL is required when not in simulation mode",
		}
	}
	if c.Broker.AccountID == "" {
		return ValidationError{
			Field:   "broker.account_id",
			Message: "account ID is required when not in simulation mode",
		}
	}
	if c.Broker.Token == "" {
		return ValidationError{
			Field:   "broker.token",
			Message: "broker token is required when not in simulation mode",
		}
	}
	return nil
}

func (c *Config) validateMarketDataConfig() error {
	cb := c.MarketData.CircuitBreaker
	if cb.Enabled {
		if cb.FailureThreshold <= 0 {
			return ValidationError{
				Field:   "market_data.circuit_breaker.failure_threshold",
				Value:   cb.FailureThreshold,
				Message: "failure threshold must be positive",
			}
		}
		if cb.FailureWindowSeconds <= 0 || cb.CooldownSeconds <= 0 {
			return ValidationError{
				Field:   "market_data.circuit_breaker",
				Message: "failure window and cooldown must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if c.Trading.StopLossRatio >= 0 {
		return ValidationError{
			Field:   "trading.stop_loss_ratio",
			Value:   c.Trading.StopLossRatio,
			Message: "stop loss ratio must be negative",
		}
	}

	if c.Trading.FirstTakeProfitRatio <= 0 {
		return ValidationError{
			Field:   "trading.first_take_profit_ratio",
			Value:   c.Trading.FirstTakeProfitRatio,
			Message: "first take profit ratio must be positive",
		}
	}

	if c.Trading.FirstProfitSellRatio <= 0 || c.Trading.FirstProfitSellRatio > 1 {
		return ValidationError{
			Field:   "trading.first_profit_sell_ratio",
			Value:   c.Trading.FirstProfitSellRatio,
			Message: "first profit sell ratio must be in (0, 1]",
		}
	}

	prev := 0.0
	for i, tier := range c.Trading.DynamicTiers {
		if tier.Threshold <= prev {
			return ValidationError{
				Field:   fmt.Sprintf("trading.dynamic_tiers[%d].threshold", i),
				Value:   tier.Threshold,
				Message: "tier thresholds must be strictly increasing and positive",
			}
		}
		if tier.Coefficient <= 0 || tier.Coefficient >= 1 {
			return ValidationError{
				Field:   fmt.Sprintf("trading.dynamic_tiers[%d].coefficient", i),
				Value:   tier.Coefficient,
				Message: "tier coefficient must be in (0, 1)",
			}
		}
		prev = tier.Threshold
	}

	if len(c.Trading.BuyGridLevels) == 0 {
		return ValidationError{
			Field:   "trading.buy_grid_levels",
			Message: "at least one buy grid level is required",
		}
	}
	for i := 1; i < len(c.Trading.BuyGridLevels); i++ {
		if c.Trading.BuyGridLevels[i] >= c.Trading.BuyGridLevels[i-1] {
			return ValidationError{
				Field:   "trading.buy_grid_levels",
				Value:   c.Trading.BuyGridLevels,
				Message: "buy grid levels must be strictly decreasing",
			}
		}
	}

	if c.Trading.PositionUnit <= 0 {
		return ValidationError{
			Field:   "trading.position_unit",
			Value:   c.Trading.PositionUnit,
			Message: "position unit must be positive",
		}
	}

	return nil
}

func (c *Config) validateMonitorConfig() error {
	sessionPattern := regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)
	for _, session := range c.Monitor.TradingSessions {
		if !sessionPattern.MatchString(session) {
			return ValidationError{
				Field:   "monitor.trading_sessions",
				Value:   session,
				Message: "sessions must use the HH:MM-HH:MM format",
			}
		}
	}
	if c.Monitor.Workers <= 0 {
		return ValidationError{
			Field:   "monitor.workers",
			Value:   c.Monitor.Workers,
			Message: "worker count must be positive",
		}
	}
	return nil
}

func (c *Config) validateOrdersConfig() error {
	validModes := []string{"market", "limit", "best"}
	if !contains(validModes, c.Orders.ReorderPriceMode) {
		return ValidationError{
			Field:   "orders.reorder_price_mode",
			Value:   c.Orders.ReorderPriceMode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	if c.Orders.PendingTimeoutMinutes <= 0 {
		return ValidationError{
			Field:   "orders.pending_timeout_minutes",
			Value:   c.Orders.PendingTimeoutMinutes,
			Message: "pending timeout must be positive",
		}
	}
	return nil
}

func (c *Config) validateGridConfig() error {
	if c.Grid.PriceInterval <= 0 || c.Grid.PriceInterval >= 0.5 {
		return ValidationError{
			Field:   "grid.price_interval",
			Value:   c.Grid.PriceInterval,
			Message: "price interval must be in (0, 0.5)",
		}
	}
	if c.Grid.PositionRatio <= 0 || c.Grid.PositionRatio > 1 {
		return ValidationError{
			Field:   "grid.position_ratio",
			Value:   c.Grid.PositionRatio,
			Message: "position ratio must be in (0, 1]",
		}
	}
	if c.Grid.MaxDeviation <= 0 {
		return ValidationError{
			Field:   "grid.max_deviation",
			Value:   c.Grid.MaxDeviation,
			Message: "max deviation must be positive",
		}
	}
	if c.Grid.TargetProfit <= 0 {
		return ValidationError{
			Field:   "grid.target_profit",
			Value:   c.Grid.TargetProfit,
			Message: "target profit must be positive",
		}
	}
	if c.Grid.StopLoss >= 0 {
		return ValidationError{
			Field:   "grid.stop_loss",
			Value:   c.Grid.StopLoss,
			Message: "grid stop loss must be negative",
		}
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if !c.Server.Enabled {
		return nil
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "port must be in (0, 65535]",
		}
	}
	return nil
}

// String returns a string representation of the configuration.
// Secret fields redact themselves during marshalling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:           "stock-sentinel",
			LogLevel:       "INFO",
			Timezone:       "Asia/Shanghai",
			SimulationMode: true,
		},
		Database: DatabaseConfig{
			Path:               "data/sentinel.db",
			BusyTimeoutSeconds: 30,
		},
		Broker: BrokerConfig{
			UseSyncOrderAPI:       false,
			RequestTimeoutSeconds: 10,
			OrderRate:             5,
			OrderBurst:            10,
		},
		MarketData: MarketDataConfig{
			QuoteTimeoutSeconds:      3,
			DailyHighCacheTTLSeconds: 300,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:              true,
				FailureThreshold:     3,
				FailureWindowSeconds: 60,
				CooldownSeconds:      300,
			},
		},
		Trading: TradingConfig{
			EnableAutoTrading:              false,
			EnableDynamicStopProfit:        true,
			EnableStopLossBuy:              true,
			EnableGridTrading:              true,
			RequireProfitTriggered:         true,
			AllowTakeProfitFullWithPending: false,
			StopLossRatio:                  -0.075,
			MinStopLossTrigger:             0.03,
			FirstTakeProfitRatio:           0.06,
			FirstProfitPullbackRatio:       0.005,
			FirstProfitSellRatio:           0.60,
			DynamicTiers: []ProfitTierConfig{
				{Threshold: 0.05, Coefficient: 0.96},
				{Threshold: 0.10, Coefficient: 0.93},
				{Threshold: 0.15, Coefficient: 0.90},
				{Threshold: 0.20, Coefficient: 0.87},
				{Threshold: 0.30, Coefficient: 0.85},
				{Threshold: 0.40, Coefficient: 0.83},
				{Threshold: 0.50, Coefficient: 0.80},
			},
			BuyGridLevels:          []float64{1.0, 0.93, 0.88},
			PositionUnit:           35000,
			MaxSinglePositionValue: 70000,
			MaxTotalPositionRatio:  0.95,
		},
		Monitor: MonitorConfig{
			LoopIntervalSeconds:         3,
			CallTimeoutSeconds:          8,
			NonTradeSleepSeconds:        60,
			PositionSyncIntervalSeconds: 15,
			ThreadCheckIntervalSeconds:  60,
			TradingSessions:             []string{"09:30-11:30", "13:00-15:00"},
			Workers:                     8,
		},
		Orders: OrdersConfig{
			PendingTimeoutMinutes: 5,
			AutoCancel:            true,
			AutoReorder:           true,
			ReorderPriceMode:      "best",
			SweepIntervalSeconds:  30,
		},
		Grid: GridConfig{
			PriceInterval:               0.05,
			PositionRatio:               0.25,
			CallbackRatio:               0.005,
			MaxDeviation:                0.15,
			TargetProfit:                0.10,
			StopLoss:                    -0.10,
			DurationDays:                7,
			LevelCooldownSeconds:        60,
			LockTimeoutSeconds:          2,
			PositionQueryTimeoutSeconds: 5,
		},
		Server: ServerConfig{
			Enabled:          true,
			Port:             8090,
			AllowedOrigins:   []string{"http://localhost:8090"},
			HeartbeatSeconds: 15,
			MaxConnections:   256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Probe: ProbeConfig{
			Enabled: false,
			Addr:    ":7070",
		},
		Alerts: AlertsConfig{
			Enabled: false,
		},
	}
}
