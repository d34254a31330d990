package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// EnvPrefix is the prefix of environment variables overriding config values,
// e.g. HARMONY_HARMONYTASK_POLLINTERVAL=10s.
const EnvPrefix = "HARMONY"

// FromFile loads config from a specified file overriding defaults specified in
// the def parameter. If file does not exist or is empty defaults are assumed.
func FromFile(path string, def *HarmonyConfig) (*HarmonyConfig, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		if def == nil {
			return nil, xerrors.Errorf("couldn't load config: %w", err)
		}
		return def, nil
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file, def)
}

// FromReader loads config from a reader instance.
func FromReader(reader io.Reader, def *HarmonyConfig) (*HarmonyConfig, error) {
	cfg := DefaultHarmonyConfig()
	if def != nil {
		c := *def
		c.HarmonyDB.Hosts = append([]string(nil), def.HarmonyDB.Hosts...)
		cfg = &c
	}

	if _, err := toml.NewDecoder(reader).Decode(cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides config values with environment variables named
// <prefix>_<SECTION>_<FIELD>.
func ApplyEnv(prefix string, cfg *HarmonyConfig) error {
	if err := envconfig.Process(prefix, cfg); err != nil {
		return xerrors.Errorf("applying environment overrides: %w", err)
	}
	return nil
}

// ExpandPath resolves a leading ~ in the database path.
func (c *HarmonyDB) ExpandPath() error {
	if c.Path == "" {
		return nil
	}
	p, err := homedir.Expand(c.Path)
	if err != nil {
		return xerrors.Errorf("expanding database path: %w", err)
	}
	c.Path = p
	return nil
}

// Marshal encodes the config as TOML.
func Marshal(cfg *HarmonyConfig) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

// ConfigComment encodes the config with every value commented out, so the
// output documents the defaults without pinning them.
func ConfigComment(cfg *HarmonyConfig) ([]byte, error) {
	b, err := Marshal(cfg)
	if err != nil {
		return nil, err
	}

	out := new(bytes.Buffer)
	_, _ = out.WriteString("# Default config:\n")
	for _, line := range strings.Split(string(b), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "[") {
			line = "  #" + trimmed
		}
		_, _ = out.WriteString(line + "\n")
	}
	return bytes.TrimRight(out.Bytes(), "\n"), nil
}
