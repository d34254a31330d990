package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/filecoin-project/harmonytask/node/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage node config",
	Subcommands: []*cli.Command{
		configDefaultCmd,
		configShowCmd,
	},
}

var configDefaultCmd = &cli.Command{
	Name:  "default",
	Usage: "Print default node config",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "no-comment",
			Usage: "don't comment default values",
		},
	},
	Action: func(cctx *cli.Context) error {
		c := config.DefaultHarmonyConfig()

		if cctx.Bool("no-comment") {
			b, err := config.Marshal(c)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cctx.App.Writer, "# Default config:")
			_, _ = fmt.Fprintln(cctx.App.Writer, string(b))
			return nil
		}

		cb, err := config.ConfigComment(c)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintln(cctx.App.Writer, string(cb))
		return nil
	},
}

var configShowCmd = &cli.Command{
	Name:  "show",
	Usage: "Print the config in effect, after file, environment and flag overrides",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		b, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cctx.App.Writer, string(b))
		return nil
	},
}
