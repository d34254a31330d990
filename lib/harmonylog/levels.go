package harmonylog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
)

// SetupLogLevels sets the default levels for harmony subsystems. GOLOG_LOG_LEVEL
// in the environment takes precedence.
func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); set {
		return
	}
	_ = logging.SetLogLevel("*", "INFO")
	_ = logging.SetLogLevel("harmonydb", "WARN")
	_ = logging.SetLogLevel("harmonyds", "WARN")
	_ = logging.SetLogLevel("retry", "WARN")
}

// SetLevel overrides the level of every subsystem, or of a single one when
// system is not empty.
func SetLevel(system, level string) error {
	if system == "" {
		system = "*"
	}
	return logging.SetLogLevel(system, level)
}
