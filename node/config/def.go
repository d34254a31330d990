package config

import (
	"encoding"
	"time"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonydb"
	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
)

const (
	DriverSQLite   = harmonydb.DriverSQLite
	DriverPostgres = harmonydb.DriverPostgres
	DriverLevelDB  = "leveldb"
	DriverMemory   = "memory"
)

// DefaultHarmonyConfig returns the default harmony node config
func DefaultHarmonyConfig() *HarmonyConfig {
	e := harmonytask.DefaultConfig()

	return &HarmonyConfig{
		HarmonyTask: HarmonyTask{
			PollInterval:       Duration(e.PollInterval),
			MaxFillIterations:  e.MaxFillIterations,
			MaxClaimBatch:      e.MaxClaimBatch,
			Capacity:           0,
			ClaimDuration:      Duration(e.ClaimDuration),
			DefaultTimeout:     Duration(e.DefaultTimeout),
			DefaultMaxAttempts: e.DefaultMaxAttempts,
			Backoff: Backoff{
				Min:    Duration(e.RetryMin),
				Max:    Duration(e.RetryMax),
				Factor: e.RetryFactor,
			},
			ClaimConcurrency: e.ClaimConcurrency,
		},
		HarmonyDB: HarmonyDB{
			Driver:   DriverSQLite,
			Path:     "~/.harmony/harmony.db",
			Hosts:    []string{"127.0.0.1"},
			Port:     "5432",
			Username: "yugabyte",
			Password: "yugabyte",
			Database: "yugabyte",
			SSLMode:  "disable",
		},
		Metrics: Metrics{
			ListenAddress: "127.0.0.1:2345",
		},
	}
}

// EngineConfig converts the task section into the engine's configuration.
func (c HarmonyTask) EngineConfig() harmonytask.Config {
	return harmonytask.Config{
		PollInterval:       time.Duration(c.PollInterval),
		MaxFillIterations:  c.MaxFillIterations,
		MaxClaimBatch:      c.MaxClaimBatch,
		Capacity:           c.Capacity,
		ClaimDuration:      time.Duration(c.ClaimDuration),
		DefaultTimeout:     time.Duration(c.DefaultTimeout),
		DefaultMaxAttempts: c.DefaultMaxAttempts,
		RetryMin:           time.Duration(c.Backoff.Min),
		RetryMax:           time.Duration(c.Backoff.Max),
		RetryFactor:        c.Backoff.Factor,
		ClaimConcurrency:   c.ClaimConcurrency,
	}
}

// DBConfig converts the database section into harmonydb's configuration.
// Path must already be expanded.
func (c HarmonyDB) DBConfig() harmonydb.Config {
	return harmonydb.Config{
		Driver:   c.Driver,
		Path:     c.Path,
		Hosts:    c.Hosts,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Database: c.Database,
		SSLMode:  c.SSLMode,
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
