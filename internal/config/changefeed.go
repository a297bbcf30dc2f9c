package config

import "time"

// Changefeed retention config keys (spec §4.8/§7 Retention: "time-based,
// e.g. keep last N hours, evaluated periodically by a background sweep").
const (
	KeyChangefeedRetentionWindow  = "changefeed.retention-window"
	KeyChangefeedSweepInterval    = "changefeed.sweep-interval"
)

// RetentionSettings controls how long changefeed entries survive before
// the background sweep calls DeleteBefore(seq).
type RetentionSettings struct {
	Window        time.Duration
	SweepInterval time.Duration
}

func registerChangefeedDefaults() {
	setDefault(KeyChangefeedRetentionWindow, "24h")
	setDefault(KeyChangefeedSweepInterval, "10m")
}

// GetRetentionSettings returns the current changefeed retention policy.
func GetRetentionSettings() RetentionSettings {
	return RetentionSettings{
		Window:        GetDuration(KeyChangefeedRetentionWindow),
		SweepInterval: GetDuration(KeyChangefeedSweepInterval),
	}
}
