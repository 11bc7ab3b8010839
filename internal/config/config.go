// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Venues      map[string]VenueConfig `yaml:"venues"`
	Trading     TradingConfig     `yaml:"trading"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Risk        RiskConfig        `yaml:"risk"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	ActiveVenues []string `yaml:"active_venues" validate:"required,min=2"`
	EngineType   string   `yaml:"engine_type" validate:"required,oneof=simple durable"`
	DatabaseURL  string   `yaml:"database_url"` // required when engine_type=durable (DBOS sqlite/postgres DSN)
}

// VenueConfig contains venue-specific credentials and connection settings
type VenueConfig struct {
	APIKey            Secret  `yaml:"api_key" validate:"required"`
	SecretKey         Secret  `yaml:"secret_key" validate:"required"`
	AccountIndex      int     `yaml:"account_index"`
	BaseURL           string  `yaml:"base_url"`
	WSURL             string  `yaml:"ws_url"`
	FundingIntervalHr float64 `yaml:"funding_interval_hours" validate:"min=0"`
	FundingRateCap    float64 `yaml:"funding_rate_cap_hourly" validate:"min=0"`

	// Poll cadences for the REST-feeder goroutines backing SubscribeOrderbook/
	// SubscribePositions/SubscribeOrders on venues with no push equivalent
	// (spec §4.3/§4.4). Zero falls back to the adapter's own default.
	OrderbookPollIntervalMs     int `yaml:"orderbook_poll_interval_ms" validate:"min=0"`
	PositionPollIntervalSeconds int `yaml:"position_poll_interval_seconds" validate:"min=0"`
	OrderPollIntervalSeconds    int `yaml:"order_poll_interval_seconds" validate:"min=0"`
}

// TradingConfig contains opportunity-selection and exit-rule parameters (spec §6 Trading category)
type TradingConfig struct {
	Symbols                 []string `yaml:"symbols" validate:"required,min=1"`
	DesiredNotionalUSD      float64  `yaml:"desired_notional_usd" validate:"required,min=0"`
	MaxOpenTrades           int      `yaml:"max_open_trades" validate:"required,min=1"`
	CooldownMinutes         int      `yaml:"cooldown_minutes" validate:"min=0"`
	MinAPYFilter            float64  `yaml:"min_apy_filter" validate:"min=0"`
	MinProfitExitUSD        float64  `yaml:"min_profit_exit_usd" validate:"min=0"`
	MaxHoldHours            float64  `yaml:"max_hold_hours" validate:"required,min=0"`
	MinHoldSeconds          int      `yaml:"min_hold_seconds" validate:"min=0"`
	FundingFlipHoursThresh  float64  `yaml:"funding_flip_hours_threshold" validate:"min=0"`
	MaxSpreadFilterPercent  float64  `yaml:"max_spread_filter_percent" validate:"min=0"`

	// Early take-profit
	EarlyTPEnabled        bool    `yaml:"early_take_profit_enabled"`
	EarlyTPSlippageMult   float64 `yaml:"early_take_profit_slippage_multiple" validate:"min=0"`

	// ATR trailing stop
	ATRTrailingEnabled      bool    `yaml:"atr_trailing_enabled"`
	ATRTrailingActivationUSD float64 `yaml:"atr_trailing_activation_usd" validate:"min=0"`
	ATRTrailingMultiple     float64 `yaml:"atr_trailing_multiple" validate:"min=0"`

	// Funding velocity exit
	FundingVelocityEnabled        bool    `yaml:"funding_velocity_exit_enabled"`
	FundingVelocityLookbackHours int     `yaml:"funding_velocity_exit_lookback_hours" validate:"min=1"`
	FundingVelocityThreshold      float64 `yaml:"funding_velocity_exit_threshold_hourly"`

	// Z-score exit
	ZScoreEnabled       bool    `yaml:"z_score_exit_enabled"`
	ZScoreLookbackHours int     `yaml:"z_score_exit_lookback_hours" validate:"min=1"`
	ZScoreThreshold     float64 `yaml:"z_score_exit_threshold" validate:"min=0"`

	// Yield vs cost
	YieldMaxHours float64 `yaml:"yield_vs_cost_max_hours" validate:"min=0"`

	// Basis convergence
	BasisConvergenceRatio       float64 `yaml:"basis_convergence_ratio" validate:"min=0,max=1"`
	BasisConvergenceMinProfitUSD float64 `yaml:"basis_convergence_min_profit_usd" validate:"min=0"`

	// Delta bound / rebalance
	DeltaBoundMaxDeltaPct float64 `yaml:"delta_bound_max_delta_pct" validate:"required,min=0,max=1"`
	RebalanceMinDeltaPct  float64 `yaml:"rebalance_min_delta_pct" validate:"min=0,max=1"`
	RebalanceMaxDeltaPct  float64 `yaml:"rebalance_max_delta_pct" validate:"min=0,max=1"`

	// Liquidation distance
	LiquidationDistanceMinPct float64 `yaml:"liquidation_distance_min_pct" validate:"min=0,max=1"`

	// Opportunity rotation
	OpportunityCostAPYDiff float64 `yaml:"opportunity_cost_apy_diff" validate:"min=0"`
	RotationCooldownMinutes int    `yaml:"rotation_cooldown_minutes" validate:"min=0"`

	// Coordinated close
	CoordinatedCloseMakerTimeoutSeconds int `yaml:"coordinated_close_maker_timeout_seconds" validate:"min=1"`
	CoordinatedCloseSoftCloseAttempts   int `yaml:"coordinated_close_soft_close_attempts" validate:"min=1"`

	// Preflight liquidity
	PreflightLiquiditySafetyFactor float64 `yaml:"preflight_liquidity_safety_factor" validate:"min=1"`

	// Maker fill probability, per-venue account tier
	MakerFillProbability map[string]float64 `yaml:"maker_fill_probability"`

	NotionalTolerancePct float64 `yaml:"notional_tolerance_pct" validate:"min=0,max=1"`
	DustThresholdQty     float64 `yaml:"dust_threshold_qty" validate:"min=0"`
}

// ExecutionConfig contains Execution Engine tuning parameters (spec §6 Execution category)
type ExecutionConfig struct {
	LeadVenue                    string  `yaml:"lead_exchange" validate:"required"`
	MakerOrderTimeoutSeconds      int     `yaml:"maker_order_timeout_seconds" validate:"required,min=1"`
	MakerOrderMaxRetries          int     `yaml:"maker_order_max_retries" validate:"required,min=1"`
	MakerMaxAggressiveness        float64 `yaml:"maker_max_aggressiveness" validate:"min=0,max=1"`
	TakerOrderSlippage            float64 `yaml:"taker_order_slippage" validate:"required,min=0"`
	Leg1EscalateToTakerEnabled    bool    `yaml:"leg1_escalate_to_taker_enabled"`
	Leg1EscalateAfterSeconds      int     `yaml:"leg1_escalate_to_taker_after_seconds" validate:"min=1"`
	HedgeIOCMaxAttempts           int     `yaml:"hedge_ioc_max_attempts" validate:"required,min=1"`
	HedgeDepthPreflightEnabled    bool    `yaml:"hedge_depth_preflight_enabled"`
	HedgeDepthPreflightSafetyFactor float64 `yaml:"hedge_depth_preflight_safety_factor" validate:"min=1"`
	WSFillWaitEnabled             bool    `yaml:"ws_fill_wait_enabled"`
	WSReadyGateTimeoutSeconds     int     `yaml:"ws_ready_gate_timeout_seconds" validate:"min=1"`
	MaxMinQtyBumpMultiple         float64 `yaml:"max_min_qty_bump_multiple" validate:"min=1"`
}

// RiskConfig contains risk-layer parameters (spec §6 Risk category)
type RiskConfig struct {
	MaxDrawdownPct            float64 `yaml:"max_drawdown_pct" validate:"min=0,max=1"`
	MaxExposurePct            float64 `yaml:"max_exposure_pct" validate:"min=0,max=1"`
	MinFreeMarginPct          float64 `yaml:"min_free_margin_pct" validate:"min=0,max=1"`
	BrokenHedgeCooldownSeconds int    `yaml:"broken_hedge_cooldown_seconds" validate:"required,min=1"`
	BrokenHedgeConsecutiveHits int    `yaml:"broken_hedge_consecutive_hits" validate:"required,min=1"`
	BrokenHedgeMinObservationSeconds int `yaml:"broken_hedge_min_observation_seconds" validate:"min=1"`
}

// WebSocketConfig contains WS transport and orderbook maintenance parameters (spec §6 WebSocket category)
type WebSocketConfig struct {
	PingIntervalSeconds          int     `yaml:"ping_interval" validate:"required,min=1"`
	ReconnectDelayInitialSeconds int     `yaml:"reconnect_delay_initial" validate:"required,min=1"`
	ReconnectDelayMaxSeconds     int     `yaml:"reconnect_delay_max" validate:"required,min=1"`
	ReconnectJitterFactor        float64 `yaml:"reconnect_jitter_factor" validate:"min=0,max=1"`
	CircuitBreakerThreshold      int     `yaml:"circuit_breaker_threshold" validate:"required,min=1"`
	CircuitBreakerCooldownSeconds int    `yaml:"circuit_breaker_cooldown" validate:"required,min=1"`
	OrderbookL1FallbackMaxAgeSeconds int `yaml:"orderbook_l1_fallback_max_age_seconds" validate:"required,min=1"`
	OrderbookHealthStaleSeconds  int     `yaml:"orderbook_health_stale_seconds" validate:"min=1"`
	MaxOrderbookConnections      int     `yaml:"lighter_orderbook_ws_max_connections" validate:"required,min=1"`
	OrderbookTTLSeconds          int     `yaml:"lighter_orderbook_ws_ttl_seconds" validate:"required,min=1"`
	TradingWSOrderSubmissionEnabled bool `yaml:"lighter_ws_order_submission_enabled"`
	FillCacheTTLSeconds          int     `yaml:"fill_cache_ttl_seconds" validate:"min=1"`
}

// ShutdownConfig contains graceful-shutdown parameters
type ShutdownConfig struct {
	ClosePositionsOnExit bool `yaml:"close_positions_on_exit"`
	TimeoutSeconds       int  `yaml:"timeout_seconds" validate:"required,min=1"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel            string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds" validate:"required,min=1"`
	PositionCheckIntervalSeconds int `yaml:"position_check_interval_seconds" validate:"required,min=1"`
	CheckTradesPoolWorkers int `yaml:"check_trades_pool_workers" validate:"min=1"`

	// GhostAdoptionEnabled feature-flags adopting a delta-neutral ghost
	// position pair into a new Trade record instead of flattening it
	// (spec §4.5 Reconciler).
	GhostAdoptionEnabled bool `yaml:"ghost_adoption_enabled"`

	// ReconcileCheckpointPath, if set, enables a local sqlite "last swept"
	// watermark so a restart doesn't immediately repeat the prior sweep.
	ReconcileCheckpointPath string `yaml:"reconcile_checkpoint_path"`
	MinResweepIntervalSeconds int `yaml:"min_resweep_interval_seconds" validate:"min=0"`
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

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if len(c.App.ActiveVenues) < 2 {
		return ValidationError{
			Field:   "app.active_venues",
			Message: "at least two venues must be active for delta-neutral pairing",
		}
	}
	if c.App.EngineType == "durable" && c.App.DatabaseURL == "" {
		return ValidationError{
			Field:   "app.database_url",
			Message: "database_url is required when engine_type=durable",
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return ValidationError{
			Field:   "venues",
			Message: "at least one venue must be configured",
		}
	}

	for _, name := range c.App.ActiveVenues {
		v, exists := c.Venues[name]
		if !exists {
			return ValidationError{
				Field:   "app.active_venues",
				Value:   name,
				Message: "venue configuration not found in venues section",
			}
		}
		if v.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if v.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateTradingConfig() error {
	if len(c.Trading.Symbols) == 0 {
		return ValidationError{
			Field:   "trading.symbols",
			Message: "at least one symbol is required",
		}
	}
	if c.Trading.DesiredNotionalUSD <= 0 {
		return ValidationError{
			Field:   "trading.desired_notional_usd",
			Value:   c.Trading.DesiredNotionalUSD,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ActiveVenues: []string{"venue_a", "venue_b"},
			EngineType:   "simple",
		},
		Venues: map[string]VenueConfig{
			"venue_a": {
				APIKey:                      "test_api_key_a",
				SecretKey:                   "test_secret_key_a",
				FundingIntervalHr:           1,
				FundingRateCap:              0.005,
				OrderbookPollIntervalMs:     250,
				PositionPollIntervalSeconds: 5,
				OrderPollIntervalSeconds:    2,
			},
			"venue_b": {
				APIKey:                      "test_api_key_b",
				SecretKey:                   "test_secret_key_b",
				FundingIntervalHr:           1,
				FundingRateCap:              0.005,
				OrderbookPollIntervalMs:     250,
				PositionPollIntervalSeconds: 5,
				OrderPollIntervalSeconds:    2,
			},
		},
		Trading: TradingConfig{
			Symbols:               []string{"ETH"},
			DesiredNotionalUSD:    2000,
			MaxOpenTrades:         5,
			MinAPYFilter:          0.1,
			MaxHoldHours:          72,
			MinHoldSeconds:        300,
			MaxSpreadFilterPercent: 0.05,
			DeltaBoundMaxDeltaPct: 0.15,
			RebalanceMinDeltaPct:  0.05,
			RebalanceMaxDeltaPct:  0.15,
			PreflightLiquiditySafetyFactor: 1.5,
			NotionalTolerancePct:  0.01,
			DustThresholdQty:      0.0001,
			CoordinatedCloseMakerTimeoutSeconds: 6,
			CoordinatedCloseSoftCloseAttempts:   3,
			ZScoreEnabled:         false,
			ZScoreLookbackHours:   168,
			ZScoreThreshold:       2.0,
		},
		Execution: ExecutionConfig{
			LeadVenue:                 "venue_a",
			MakerOrderTimeoutSeconds:  3,
			MakerOrderMaxRetries:      5,
			MakerMaxAggressiveness:    0.5,
			TakerOrderSlippage:        0.0025,
			HedgeIOCMaxAttempts:       3,
			WSFillWaitEnabled:         true,
			WSReadyGateTimeoutSeconds: 5,
			MaxMinQtyBumpMultiple:     1.2,
		},
		Risk: RiskConfig{
			MaxDrawdownPct:             0.2,
			MaxExposurePct:             0.8,
			MinFreeMarginPct:           0.1,
			BrokenHedgeCooldownSeconds: 900,
			BrokenHedgeConsecutiveHits: 3,
			BrokenHedgeMinObservationSeconds: 45,
		},
		WebSocket: WebSocketConfig{
			PingIntervalSeconds:          30,
			ReconnectDelayInitialSeconds: 1,
			ReconnectDelayMaxSeconds:     30,
			ReconnectJitterFactor:        0.15,
			CircuitBreakerThreshold:      5,
			CircuitBreakerCooldownSeconds: 60,
			OrderbookL1FallbackMaxAgeSeconds: 5,
			OrderbookHealthStaleSeconds:  30,
			MaxOrderbookConnections:      50,
			OrderbookTTLSeconds:          300,
			FillCacheTTLSeconds:          300,
		},
		Shutdown: ShutdownConfig{
			ClosePositionsOnExit: false,
			TimeoutSeconds:       30,
		},
		System: SystemConfig{
			LogLevel:                     "INFO",
			ReconcileIntervalSeconds:     60,
			PositionCheckIntervalSeconds: 5,
			CheckTradesPoolWorkers:       8,
			GhostAdoptionEnabled:         false,
			ReconcileCheckpointPath:      "data/reconcile_checkpoint.db",
			MinResweepIntervalSeconds:    10,
		},
	}
}
