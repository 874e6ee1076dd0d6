package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; backend and
// provider changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnTuningChanged is true when any turn pipeline knob changed
	// (recent_turns, top_k, char_budget, soft_deadline, salience_threshold,
	// queue_capacity).
	TurnTuningChanged bool
	NewTurn           TurnConfig

	// RankingChanged is true when memory.alpha or memory.recency_half_life
	// changed. NewAlpha carries the resolved weight: -1 when the new config
	// leaves it unset.
	RankingChanged     bool
	NewAlpha           float64
	NewRecencyHalfLife time.Duration

	// RetentionChanged is true when the memory retention bounds changed.
	RetentionChanged bool
	NewRetention     RetentionConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Turn pipeline tuning
	if old.Turn != new.Turn {
		d.TurnTuningChanged = true
		d.NewTurn = new.Turn
	}

	// Memory ranking weights
	if old.Memory.BlendAlpha() != new.Memory.BlendAlpha() ||
		old.Memory.RecencyHalfLife != new.Memory.RecencyHalfLife {
		d.RankingChanged = true
		d.NewAlpha = new.Memory.BlendAlpha()
		d.NewRecencyHalfLife = new.Memory.RecencyHalfLife
	}

	// Retention bounds
	if old.Memory.Retention != new.Memory.Retention {
		d.RetentionChanged = true
		d.NewRetention = new.Memory.Retention
	}

	return d
}
