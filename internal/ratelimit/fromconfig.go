package ratelimit

import "github.com/roelfdiedericks/duoproxy/internal/config"

// ConfigFrom adapts the JSON-facing config.RateLimitConfig into the
// limiter's own Config, defaulting any zero-valued field to DefaultConfig.
func ConfigFrom(c config.RateLimitConfig) *Config {
	def := DefaultConfig()
	cfg := &Config{
		RequestIntervalSeconds: c.RequestIntervalSeconds,
		BaseBackoffSeconds:     c.BaseBackoffSeconds,
		MaxBackoffSeconds:      c.MaxBackoffSeconds,
		SuccessesToRecover:     c.SuccessesToRecover,
		RecoveryTimeoutMinutes: c.RecoveryTimeoutMinutes,
		RecoverySteps:          c.RecoverySteps,
	}
	if cfg.RequestIntervalSeconds == 0 {
		cfg.RequestIntervalSeconds = def.RequestIntervalSeconds
	}
	if cfg.BaseBackoffSeconds == 0 {
		cfg.BaseBackoffSeconds = def.BaseBackoffSeconds
	}
	if cfg.MaxBackoffSeconds == 0 {
		cfg.MaxBackoffSeconds = def.MaxBackoffSeconds
	}
	if cfg.SuccessesToRecover == 0 {
		cfg.SuccessesToRecover = def.SuccessesToRecover
	}
	if cfg.RecoveryTimeoutMinutes == 0 {
		cfg.RecoveryTimeoutMinutes = def.RecoveryTimeoutMinutes
	}
	if len(cfg.RecoverySteps) == 0 {
		cfg.RecoverySteps = def.RecoverySteps
	}
	return cfg
}
