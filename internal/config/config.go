package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Negotiation NegotiationConfig `mapstructure:"negotiation" yaml:"negotiation"`
	Checker     CheckerConfig     `mapstructure:"checker" yaml:"checker"`
	Breaker     BreakerConfig     `mapstructure:"breaker" yaml:"breaker"`
	Subnet      SubnetConfig      `mapstructure:"subnet" yaml:"subnet"`
	Reasoning   ReasoningConfig   `mapstructure:"reasoning" yaml:"reasoning"`
	Audit       AuditConfig       `mapstructure:"audit" yaml:"audit"`
	Bus         BusConfig         `mapstructure:"bus" yaml:"bus"`
}

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// NegotiationConfig holds the convergence policy for negotiation channels.
type NegotiationConfig struct {
	// ThresholdHigh is the accept rate at or above which a round finalizes.
	ThresholdHigh float64 `mapstructure:"threshold_high" yaml:"threshold_high"`
	// ThresholdLow is the reject rate at or above which a round fails.
	ThresholdLow float64 `mapstructure:"threshold_low" yaml:"threshold_low"`
	// MinMargin is the minimum gap required between the two thresholds.
	// Validated once at startup, never per call.
	MinMargin float64 `mapstructure:"min_margin" yaml:"min_margin"`
	MaxRounds int     `mapstructure:"max_rounds" yaml:"max_rounds"`
}

// CheckerConfig drives the state checker watchdog.
type CheckerConfig struct {
	Interval            time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxStuckTime        time.Duration `mapstructure:"max_stuck_time" yaml:"max_stuck_time"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts" yaml:"max_recovery_attempts"`
}

// BreakerConfig configures the circuit breaker guarding reasoning calls.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	// CallTimeout bounds each guarded call; the breaker never blocks
	// indefinitely on the downstream dependency.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// SubnetConfig bounds recursive sub-negotiations.
type SubnetConfig struct {
	MaxDepth   int `mapstructure:"max_depth" yaml:"max_depth"`
	MaxSubnets int `mapstructure:"max_subnets" yaml:"max_subnets"`
}

// ReasoningConfig configures the downstream reasoning client.
type ReasoningConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Model    string `mapstructure:"model" yaml:"model"`
	// Timeout bounds one HTTP attempt including retries.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RateLimit is the client-side request pacing in requests per second.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// AuditConfig configures the optional Postgres audit sink.
type AuditConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// BusConfig configures the in-process signal bus.
type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults below, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "parley")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Negotiation --
	v.SetDefault("negotiation.threshold_high", 0.80)
	v.SetDefault("negotiation.threshold_low", 0.50)
	v.SetDefault("negotiation.min_margin", 0.10)
	v.SetDefault("negotiation.max_rounds", 5)

	// -- Checker --
	v.SetDefault("checker.interval", "5s")
	v.SetDefault("checker.max_stuck_time", "120s")
	v.SetDefault("checker.max_recovery_attempts", 3)

	// -- Breaker --
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.recovery_timeout", "30s")
	v.SetDefault("breaker.call_timeout", "20s")

	// -- Subnet --
	v.SetDefault("subnet.max_depth", 2)
	v.SetDefault("subnet.max_subnets", 3)

	// -- Reasoning --
	v.SetDefault("reasoning.endpoint", "")
	v.SetDefault("reasoning.model", "gemini-2.5-flash")
	v.SetDefault("reasoning.timeout", "30s")
	v.SetDefault("reasoning.rate_limit", 2.0)

	// -- Audit --
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.database_url", "")

	// -- Bus --
	v.SetDefault("bus.buffer_size", 64)
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("reasoning.api_key", "PARLEY_REASONING_API_KEY")
	v.BindEnv("audit.database_url", "PARLEY_AUDIT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// The threshold margin is a startup invariant: it is enforced here once and
// never re-validated per evaluation.
func (c *Config) Validate() error {
	n := c.Negotiation
	if n.ThresholdHigh <= 0 || n.ThresholdHigh > 1 {
		return fmt.Errorf("negotiation.threshold_high must be in (0, 1], got %v", n.ThresholdHigh)
	}
	if n.ThresholdLow <= 0 || n.ThresholdLow > 1 {
		return fmt.Errorf("negotiation.threshold_low must be in (0, 1], got %v", n.ThresholdLow)
	}
	if n.ThresholdHigh-n.ThresholdLow < n.MinMargin {
		return fmt.Errorf("negotiation.threshold_high (%v) must exceed threshold_low (%v) by at least %v",
			n.ThresholdHigh, n.ThresholdLow, n.MinMargin)
	}
	if n.MaxRounds <= 0 {
		return fmt.Errorf("negotiation.max_rounds must be a positive integer")
	}
	if c.Checker.Interval <= 0 {
		return fmt.Errorf("checker.interval must be a positive duration")
	}
	if c.Checker.MaxStuckTime <= 0 {
		return fmt.Errorf("checker.max_stuck_time must be a positive duration")
	}
	if c.Checker.MaxRecoveryAttempts <= 0 {
		return fmt.Errorf("checker.max_recovery_attempts must be a positive integer")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be a positive integer")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be a positive duration")
	}
	if c.Subnet.MaxDepth < 0 {
		return fmt.Errorf("subnet.max_depth must not be negative")
	}
	if c.Subnet.MaxSubnets <= 0 {
		return fmt.Errorf("subnet.max_subnets must be a positive integer")
	}
	if c.Audit.Enabled && c.Audit.DatabaseURL == "" {
		return fmt.Errorf("audit.database_url is required when audit is enabled")
	}
	return nil
}
