package config

// Config is the root configuration for adbot.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be JSON or YAML; both are decoded strictly (unknown fields are
// rejected) so typos fail fast instead of silently defaulting.
type Config struct {
	Control ControlConfig `json:"control"`
	Sender  SenderConfig  `json:"sender"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
}

// ControlConfig configures the operator-facing bot (the chat control surface).
type ControlConfig struct {
	Token       string  `json:"token"`
	AdminIDs    []int64 `json:"admin_ids"`
	PollTimeout string  `json:"poll_timeout,omitempty"`
}

// SenderConfig configures the pool of sender identities.
//
// Accounts may also be registered at runtime through the control surface;
// entries listed here are ensured on boot.
type SenderConfig struct {
	// RatePerSec caps sends across ALL accounts (global limiter).
	// Per-campaign pacing and per-account cooldowns apply on top.
	RatePerSec int             `json:"rate_per_sec,omitempty"`
	Accounts   []AccountConfig `json:"accounts,omitempty"`
}

type AccountConfig struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"`
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./adbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the dispatch engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - tick: "1s"
//   - interval_floor: "5s"
//   - retry_max: 3
//   - retry_delay: "2s"
//   - flood_tolerance: "5m"
//   - degraded_after: 5
type EngineConfig struct {
	Workers int `json:"workers,omitempty"`

	// Tick is the scheduler evaluation period.
	Tick string `json:"tick,omitempty"`

	// IntervalFloor is the minimum allowed campaign send interval.
	// Campaign intervals below the floor are clamped when the campaign starts.
	IntervalFloor string `json:"interval_floor,omitempty"`

	RetryMax   int    `json:"retry_max,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`

	// FloodTolerance separates short rate-limit waits (rotate and move on)
	// from long ones (also counted as a campaign failure).
	FloodTolerance string `json:"flood_tolerance,omitempty"`

	// DegradedAfter is the number of consecutive storage failures before the
	// engine pauses all campaigns and reports degraded mode. 0 uses the default.
	DegradedAfter int `json:"degraded_after,omitempty"`

	// Seed makes message-variant selection and target shuffling reproducible.
	// 0 seeds from wall clock.
	Seed int64 `json:"seed,omitempty"`
}

// MetricsConfig controls the optional prometheus listener.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9091").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}
