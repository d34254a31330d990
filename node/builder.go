package node

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/node/config"
	"github.com/filecoin-project/harmonytask/node/modules"
)

var log = logging.Logger("builder")

type StopFunc func(context.Context) error

// New builds and starts a harmony node: the task store, the builtin task
// types, the task engine and, when configured, the metrics endpoint.
//
// opts are appended after the defaults, so callers can fx.Decorate or
// fx.Populate any of the node's components.
func New(ctx context.Context, cfg *config.HarmonyConfig, opts ...fx.Option) (StopFunc, error) {
	if cfg == nil {
		return nil, xerrors.New("node needs a config")
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			modules.TaskStore,
			modules.TaskTypes,
			modules.TaskEngine,
		),
		fx.Invoke(
			modules.MetricsServer,
			modules.RunTaskEngine,
		),
		fx.Options(opts...),

		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return nil, xerrors.Errorf("building node: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		// comment fx.NopLogger few lines above for easier debugging
		return nil, xerrors.Errorf("starting node: %w", err)
	}

	log.Infow("harmony node started", "driver", cfg.HarmonyDB.Driver)
	return app.Stop, nil
}
