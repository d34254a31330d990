package modules

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonydb"
	"github.com/filecoin-project/harmonytask/lib/harmony/harmonyds"
	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
	"github.com/filecoin-project/harmonytask/metrics"
	"github.com/filecoin-project/harmonytask/node/config"
	"github.com/filecoin-project/harmonytask/tasks/builtin"
)

var log = logging.Logger("modules")

const (
	dbOpenTimeout           = time.Minute
	defaultTerminateTimeout = 30 * time.Second
)

// OpenTaskStore opens the store selected by cfg.Driver.
func OpenTaskStore(ctx context.Context, cfg config.HarmonyDB) (harmonytask.TaskStore, error) {
	if err := cfg.ExpandPath(); err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, xerrors.Errorf("creating database directory: %w", err)
		}
		fallthrough
	case config.DriverPostgres:
		db, err := harmonydb.Open(ctx, cfg.DBConfig())
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverLevelDB:
		s, err := harmonyds.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return harmonyds.NewMap(), nil
	default:
		return nil, xerrors.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func TaskStore(lc fx.Lifecycle, cfg *config.HarmonyConfig) (harmonytask.TaskStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbOpenTimeout)
	defer cancel()

	store, err := OpenTaskStore(ctx, cfg.HarmonyDB)
	if err != nil {
		return nil, xerrors.Errorf("opening task store: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

// TaskTypes is the dictionary of task types this node runs.
func TaskTypes() (*harmonytask.TaskTypeDictionary, error) {
	d := harmonytask.NewTaskTypeDictionary()
	if err := builtin.Register(d); err != nil {
		return nil, xerrors.Errorf("registering builtin tasks: %w", err)
	}
	return d, nil
}

func TaskEngine(cfg *config.HarmonyConfig, store harmonytask.TaskStore, defs *harmonytask.TaskTypeDictionary) (*harmonytask.TaskEngine, error) {
	var opts []harmonytask.Option
	if cfg.HarmonyTask.OwnerID != "" {
		opts = append(opts, harmonytask.WithOwnerID(cfg.HarmonyTask.OwnerID))
	}
	return harmonytask.New(cfg.HarmonyTask.EngineConfig(), store, defs, opts...)
}

// RunTaskEngine ties the engine to the node lifecycle. On stop the engine gets
// until the stop context's deadline to finish running tasks.
func RunTaskEngine(lc fx.Lifecycle, e *harmonytask.TaskEngine) {
	lc.Append(fx.Hook{
		OnStart: e.Start,
		OnStop: func(ctx context.Context) error {
			deadline := defaultTerminateTimeout
			if d, ok := ctx.Deadline(); ok {
				deadline = time.Until(d)
			}
			return e.GracefullyTerminate(deadline)
		},
	})
}

// MetricsServer serves prometheus metrics at /debug/metrics on
// cfg.Metrics.ListenAddress. Nothing is served when the address is empty.
func MetricsServer(lc fx.Lifecycle, cfg *config.HarmonyConfig) error {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return nil
	}

	exporter, err := metrics.Exporter("harmony")
	if err != nil {
		return xerrors.Errorf("creating metrics exporter: %w", err)
	}

	r := mux.NewRouter()
	r.Handle("/debug/metrics", exporter).Methods(http.MethodGet)

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			nl, err := net.Listen("tcp", addr)
			if err != nil {
				return xerrors.Errorf("listening on %s: %w", addr, err)
			}
			log.Infow("serving metrics", "address", nl.Addr().String())

			go func() {
				if err := srv.Serve(nl); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
					log.Errorw("metrics server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
	return nil
}
