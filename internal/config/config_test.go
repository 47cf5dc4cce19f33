package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "parley", cfg.Logger.ServiceName)

	assert.InDelta(t, 0.80, cfg.Negotiation.ThresholdHigh, 1e-9)
	assert.InDelta(t, 0.50, cfg.Negotiation.ThresholdLow, 1e-9)
	assert.InDelta(t, 0.10, cfg.Negotiation.MinMargin, 1e-9)
	assert.Equal(t, 5, cfg.Negotiation.MaxRounds)

	assert.Equal(t, 5*time.Second, cfg.Checker.Interval)
	assert.Equal(t, 120*time.Second, cfg.Checker.MaxStuckTime)
	assert.Equal(t, 3, cfg.Checker.MaxRecoveryAttempts)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 20*time.Second, cfg.Breaker.CallTimeout)

	assert.Equal(t, 2, cfg.Subnet.MaxDepth)
	assert.Equal(t, 3, cfg.Subnet.MaxSubnets)

	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, 64, cfg.Bus.BufferSize)

	assert.NoError(t, cfg.Validate())
}

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("negotiation.threshold_high", 0.90)
	v.Set("negotiation.max_rounds", 2)
	v.Set("checker.interval", "1s")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.InDelta(t, 0.90, cfg.Negotiation.ThresholdHigh, 1e-9)
	assert.Equal(t, 2, cfg.Negotiation.MaxRounds)
	assert.Equal(t, time.Second, cfg.Checker.Interval)
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("negotiation.max_rounds", 0)

	cfg, err := NewConfigFromViper(v)
	assert.Nil(t, cfg)
	assert.ErrorContains(t, err, "max_rounds")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(c *Config) {},
		},
		{
			name:    "threshold_high out of range",
			mutate:  func(c *Config) { c.Negotiation.ThresholdHigh = 1.2 },
			wantErr: "threshold_high",
		},
		{
			name:    "threshold_low non-positive",
			mutate:  func(c *Config) { c.Negotiation.ThresholdLow = 0 },
			wantErr: "threshold_low",
		},
		{
			name: "margin too thin",
			mutate: func(c *Config) {
				c.Negotiation.ThresholdHigh = 0.55
				c.Negotiation.ThresholdLow = 0.50
			},
			wantErr: "by at least",
		},
		{
			name: "margin exactly met passes",
			mutate: func(c *Config) {
				c.Negotiation.ThresholdHigh = 0.60
				c.Negotiation.ThresholdLow = 0.50
				c.Negotiation.MinMargin = 0.10
			},
		},
		{
			name:    "max_rounds zero",
			mutate:  func(c *Config) { c.Negotiation.MaxRounds = 0 },
			wantErr: "max_rounds",
		},
		{
			name:    "checker interval zero",
			mutate:  func(c *Config) { c.Checker.Interval = 0 },
			wantErr: "checker.interval",
		},
		{
			name:    "negative stuck time",
			mutate:  func(c *Config) { c.Checker.MaxStuckTime = -time.Second },
			wantErr: "max_stuck_time",
		},
		{
			name:    "recovery attempts zero",
			mutate:  func(c *Config) { c.Checker.MaxRecoveryAttempts = 0 },
			wantErr: "max_recovery_attempts",
		},
		{
			name:    "breaker threshold zero",
			mutate:  func(c *Config) { c.Breaker.FailureThreshold = 0 },
			wantErr: "failure_threshold",
		},
		{
			name:    "negative subnet depth",
			mutate:  func(c *Config) { c.Subnet.MaxDepth = -1 },
			wantErr: "max_depth",
		},
		{
			name:   "zero subnet depth disables recursion but passes",
			mutate: func(c *Config) { c.Subnet.MaxDepth = 0 },
		},
		{
			name:    "subnet budget zero",
			mutate:  func(c *Config) { c.Subnet.MaxSubnets = 0 },
			wantErr: "max_subnets",
		},
		{
			name:    "audit enabled without url",
			mutate:  func(c *Config) { c.Audit.Enabled = true },
			wantErr: "audit.database_url",
		},
		{
			name: "audit enabled with url passes",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
				c.Audit.DatabaseURL = "postgres://localhost/parley"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
