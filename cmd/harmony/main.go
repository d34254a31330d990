package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmonylog"
	"github.com/filecoin-project/harmonytask/node/config"
)

var log = logging.Logger("main")

const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"
	FlagDBDriver = "db-driver"
	FlagDBPath   = "db-path"
)

func main() {
	harmonylog.SetupLogLevels()

	app := newApp()
	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "harmony",
		Usage:                "Distributed task claiming and execution node",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagConfig,
				Usage:   "path to the TOML config file",
				EnvVars: []string{"HARMONY_CONFIG"},
				Value:   "~/.harmony/config.toml",
			},
			&cli.StringFlag{
				Name:  FlagLogLevel,
				Usage: "set the log level of all subsystems, e.g. debug",
			},
			&cli.StringFlag{
				Name:  FlagDBDriver,
				Usage: "override the database driver: sqlite, postgres, leveldb or memory",
			},
			&cli.StringFlag{
				Name:  FlagDBPath,
				Usage: "override the SQLite file or LevelDB directory",
			},
		},
		Before: func(cctx *cli.Context) error {
			if lvl := cctx.String(FlagLogLevel); lvl != "" {
				return harmonylog.SetLevel("*", lvl)
			}
			return nil
		},
		Commands: []*cli.Command{
			runCmd,
			taskCmd,
			configCmd,
		},
	}
}

// loadConfig layers the config file, environment and command line flags over
// the defaults, in that order.
func loadConfig(cctx *cli.Context) (*config.HarmonyConfig, error) {
	cfg, err := config.FromFile(cctx.String(FlagConfig), config.DefaultHarmonyConfig())
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}
	if err := config.ApplyEnv(config.EnvPrefix, cfg); err != nil {
		return nil, err
	}

	if cctx.IsSet(FlagDBDriver) {
		cfg.HarmonyDB.Driver = cctx.String(FlagDBDriver)
	}
	if cctx.IsSet(FlagDBPath) {
		cfg.HarmonyDB.Path = cctx.String(FlagDBPath)
	}
	return cfg, nil
}

// ReqContext returns a context cancelled on SIGINT or SIGTERM.
func ReqContext(cctx *cli.Context) context.Context {
	ctx, done := context.WithCancel(cctx.Context)
	sigChan := make(chan os.Signal, 2)
	go func() {
		<-sigChan
		done()
	}()
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	return ctx
}
