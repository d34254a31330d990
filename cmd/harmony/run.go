package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/node"
)

const defaultShutdownTimeout = 30 * time.Second

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start a harmony node",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Usage: "how long running tasks get to finish on shutdown",
			Value: defaultShutdownTimeout,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		stop, err := node.New(cctx.Context, cfg)
		if err != nil {
			return xerrors.Errorf("creating node: %w", err)
		}

		timeout := cctx.Duration("shutdown-timeout")
		finishCh := node.MonitorShutdown(make(chan struct{}),
			node.ShutdownHandler{
				Component: "node",
				StopFunc: func(ctx context.Context) error {
					ctx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()
					return stop(ctx)
				},
			},
		)

		<-finishCh
		return nil
	},
}
