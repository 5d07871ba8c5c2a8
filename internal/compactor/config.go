package compactor

import "github.com/roelfdiedericks/duoproxy/internal/config"

// FromConfig adapts the persisted tunables into a Compactor Config.
func FromConfig(c config.CompactionConfig) *Config {
	return &Config{
		ReserveTokens:               c.ReserveTokens,
		SafetyMarginPercent:         c.SafetyMarginPercent,
		SelectiveCompressionEnabled: c.SelectiveCompressionEnabled,
		PreserveRecentPercent:       c.PreserveRecentPercent,
		MaxToolOutputBytes:          c.MaxToolOutputBytes,
	}
}
