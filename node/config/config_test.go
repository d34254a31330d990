package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRoundTrip(t *testing.T) {
	def := DefaultHarmonyConfig()

	b, err := Marshal(def)
	require.NoError(t, err)
	require.Contains(t, string(b), `PollInterval = "3s"`)

	cfg, err := FromReader(bytes.NewReader(b), nil)
	require.NoError(t, err)
	require.Equal(t, def, cfg)
}

func TestFromFileMissingUsesDefaults(t *testing.T) {
	def := DefaultHarmonyConfig()

	cfg, err := FromFile(filepath.Join(t.TempDir(), "nope.toml"), def)
	require.NoError(t, err)
	require.Same(t, def, cfg)

	_, err = FromFile(filepath.Join(t.TempDir(), "nope.toml"), nil)
	require.Error(t, err)
}

func TestFromFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[HarmonyTask]
  PollInterval = "250ms"
  Capacity = 7
  [HarmonyTask.Backoff]
    Max = "1m"

[HarmonyDB]
  Driver = "postgres"
  Hosts = ["db1", "db2"]
`), 0644))

	def := DefaultHarmonyConfig()
	cfg, err := FromFile(path, def)
	require.NoError(t, err)

	require.Equal(t, Duration(250*time.Millisecond), cfg.HarmonyTask.PollInterval)
	require.Equal(t, 7, cfg.HarmonyTask.Capacity)
	require.Equal(t, Duration(time.Minute), cfg.HarmonyTask.Backoff.Max)
	require.Equal(t, def.HarmonyTask.Backoff.Min, cfg.HarmonyTask.Backoff.Min)
	require.Equal(t, DriverPostgres, cfg.HarmonyDB.Driver)
	require.Equal(t, []string{"db1", "db2"}, cfg.HarmonyDB.Hosts)
	require.Equal(t, def.HarmonyDB.Port, cfg.HarmonyDB.Port)

	// the defaults passed in are left alone
	require.Equal(t, []string{"127.0.0.1"}, def.HarmonyDB.Hosts)
	require.Equal(t, DefaultHarmonyConfig(), def)
}

func TestBadDuration(t *testing.T) {
	_, err := FromReader(strings.NewReader("[HarmonyTask]\nPollInterval = \"soon\"\n"), nil)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("HARMONY_HARMONYTASK_POLLINTERVAL", "10s")
	t.Setenv("HARMONY_HARMONYTASK_BACKOFF_FACTOR", "3.5")
	t.Setenv("HARMONY_HARMONYDB_HOSTS", "a,b")
	t.Setenv("HARMONY_METRICS_LISTENADDRESS", "")

	cfg := DefaultHarmonyConfig()
	require.NoError(t, ApplyEnv(EnvPrefix, cfg))

	require.Equal(t, Duration(10*time.Second), cfg.HarmonyTask.PollInterval)
	require.Equal(t, 3.5, cfg.HarmonyTask.Backoff.Factor)
	require.Equal(t, []string{"a", "b"}, cfg.HarmonyDB.Hosts)
	require.Equal(t, "", cfg.Metrics.ListenAddress)
	require.Equal(t, DefaultHarmonyConfig().HarmonyTask.MaxClaimBatch, cfg.HarmonyTask.MaxClaimBatch)

	t.Setenv("HARMONY_HARMONYTASK_CLAIMDURATION", "forever")
	require.Error(t, ApplyEnv(EnvPrefix, cfg))
}

func TestConfigComment(t *testing.T) {
	b, err := ConfigComment(DefaultHarmonyConfig())
	require.NoError(t, err)

	s := string(b)
	require.True(t, strings.HasPrefix(s, "# Default config:\n"))
	require.Contains(t, s, "[HarmonyTask]")
	require.Contains(t, s, `  #PollInterval = "3s"`)
	require.NotContains(t, s, "\nPollInterval")

	// commented out values decode to the defaults
	cfg, err := FromReader(bytes.NewReader(b), nil)
	require.NoError(t, err)
	require.Equal(t, DefaultHarmonyConfig(), cfg)
}

func TestConversions(t *testing.T) {
	cfg := DefaultHarmonyConfig()
	cfg.HarmonyTask.Capacity = 3
	cfg.HarmonyTask.Backoff.Factor = 1.5

	e := cfg.HarmonyTask.EngineConfig()
	require.Equal(t, 3, e.Capacity)
	require.Equal(t, 1.5, e.RetryFactor)
	require.Equal(t, 3*time.Second, e.PollInterval)
	require.Equal(t, time.Duration(cfg.HarmonyTask.ClaimDuration), e.ClaimDuration)

	db := cfg.HarmonyDB.DBConfig()
	require.Equal(t, DriverSQLite, db.Driver)
	require.Equal(t, cfg.HarmonyDB.Hosts, db.Hosts)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	c := HarmonyDB{Path: "~/x.db"}
	require.NoError(t, c.ExpandPath())
	require.Equal(t, filepath.Join(home, "x.db"), c.Path)

	c = HarmonyDB{}
	require.NoError(t, c.ExpandPath())
	require.Equal(t, "", c.Path)
}
