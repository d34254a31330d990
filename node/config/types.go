package config

// // NOTE: ONLY PUT STRUCT DEFINITIONS IN THIS FILE

// HarmonyConfig is the configuration of a harmony node.
type HarmonyConfig struct {
	HarmonyTask HarmonyTask
	HarmonyDB   HarmonyDB
	Metrics     Metrics
}

type HarmonyTask struct {
	// OwnerID identifies this node when claiming tasks. Keep it stable across
	// restarts so that tasks claimed before a crash are released on startup.
	// A random ID is used when empty.
	OwnerID string

	// PollInterval is the time between polls for available tasks when no
	// finished task or RunSoon call triggers one early.
	PollInterval Duration

	// MaxFillIterations caps the number of back-to-back fills done in one poll
	// while every claimed task keeps getting admitted.
	MaxFillIterations int

	// MaxClaimBatch caps the number of tasks claimed in one fill.
	MaxClaimBatch int

	// Capacity is the number of tasks run concurrently. When 0 the pool is
	// sized to the CPU count of the machine.
	Capacity int

	// ClaimDuration is how long a claim is honoured before another node may
	// take the task over.
	ClaimDuration Duration

	// DefaultTimeout applies to task types which don't set their own timeout.
	DefaultTimeout Duration

	// DefaultMaxAttempts applies to task types which don't set their own
	// attempt limit. Negative values retry forever.
	DefaultMaxAttempts int

	Backoff Backoff

	// ClaimConcurrency caps the number of claim requests in flight to the
	// store during one fill.
	ClaimConcurrency int
}

// Backoff configures the delay before a failed task is retried.
type Backoff struct {
	Min    Duration
	Max    Duration
	Factor float64
}

type HarmonyDB struct {
	// Driver is one of sqlite, postgres, leveldb or memory.
	Driver string

	// Path of the SQLite database file or LevelDB directory.
	Path string

	// HOSTS is a list of hostnames to nodes running Postgres.
	// Only 1 is required.
	Hosts []string

	// The port to find Postgres on.
	Port string

	// USERNAME for Postgres.
	Username string

	// PASSWORD for Postgres.
	Password string

	// The database (logical partition) within Postgres to use.
	Database string

	// SSLMode passed to Postgres, disable by default.
	SSLMode string
}

type Metrics struct {
	// ListenAddress of the metrics endpoint, served at /debug/metrics.
	// Metrics are not served when empty.
	ListenAddress string
}
