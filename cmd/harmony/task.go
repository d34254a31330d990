package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
	"github.com/filecoin-project/harmonytask/node/modules"
)

var taskCmd = &cli.Command{
	Name:  "task",
	Usage: "Manage scheduled tasks",
	Subcommands: []*cli.Command{
		taskAddCmd,
		taskListCmd,
		taskRmCmd,
		taskRunSoonCmd,
	},
}

// withEngine runs cb with an engine over the configured store. The engine is
// never started: it only schedules and inspects tasks for the nodes that run
// them.
func withEngine(cctx *cli.Context, cb func(*harmonytask.TaskEngine) error) (err error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}

	store, err := modules.OpenTaskStore(cctx.Context, cfg.HarmonyDB)
	if err != nil {
		return xerrors.Errorf("opening task store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	defs, err := modules.TaskTypes()
	if err != nil {
		return err
	}

	e, err := harmonytask.New(cfg.HarmonyTask.EngineConfig(), store, defs)
	if err != nil {
		return err
	}
	return cb(e)
}

var taskAddCmd = &cli.Command{
	Name:  "add",
	Usage: "Schedule a task",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "type",
			Usage:    "task type",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "task id, random when empty",
		},
		&cli.StringFlag{
			Name:  "params",
			Usage: "task params as a JSON object",
		},
		&cli.StringFlag{
			Name:  "run-at",
			Usage: "when to first run the task: RFC3339 time, or a delay such as 10m",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "rerun the task at this interval",
		},
		&cli.BoolFlag{
			Name:  "ensure",
			Usage: "succeed without changes if a task with this id exists",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.Args().Present() {
			return xerrors.Errorf("unexpected arguments: %s", strings.Join(cctx.Args().Slice(), " "))
		}

		inst := harmonytask.TaskInstance{
			ID:       cctx.String("id"),
			TaskType: cctx.String("type"),
		}

		if p := cctx.String("params"); p != "" {
			if err := json.Unmarshal([]byte(p), &inst.Params); err != nil {
				return xerrors.Errorf("parsing params: %w", err)
			}
		}

		if r := cctx.String("run-at"); r != "" {
			runAt, err := parseRunAt(r, time.Now())
			if err != nil {
				return err
			}
			inst.RunAt = runAt
		}

		if iv := cctx.Duration("interval"); iv > 0 {
			inst.Schedule = &harmonytask.IntervalSchedule{Interval: iv}
		}

		return withEngine(cctx, func(e *harmonytask.TaskEngine) error {
			schedule := e.Schedule
			if cctx.Bool("ensure") {
				schedule = e.EnsureScheduled
			}

			t, err := schedule(cctx.Context, inst)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cctx.App.Writer, t.ID)
			return nil
		})
	},
}

func parseRunAt(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, xerrors.Errorf("run-at %q is neither a duration nor an RFC3339 time", s)
	}
	return t, nil
}

var taskListCmd = &cli.Command{
	Name:  "list",
	Usage: "List tasks",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "type",
			Usage: "only list tasks of these types",
		},
		&cli.StringSliceFlag{
			Name:  "status",
			Usage: "only list tasks with these statuses: idle, claiming, running, failed",
		},
		&cli.StringFlag{
			Name:  "owner",
			Usage: "only list tasks held by this owner",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "list at most this many tasks",
		},
	},
	Action: func(cctx *cli.Context) error {
		q := harmonytask.ListQuery{
			TaskTypes: cctx.StringSlice("type"),
			Statuses: lo.Map(cctx.StringSlice("status"), func(s string, _ int) harmonytask.TaskStatus {
				return harmonytask.TaskStatus(s)
			}),
			OwnerID: cctx.String("owner"),
			Limit:   cctx.Int("limit"),
		}

		return withEngine(cctx, func(e *harmonytask.TaskEngine) error {
			tasks, err := e.List(cctx.Context, q)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cctx.App.Writer, 2, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "ID\tType\tStatus\tRun At\tDue\tAttempts\tInterval\tOwner\n")
			for _, t := range tasks {
				interval := "-"
				if t.IsRecurring() {
					interval = t.Schedule.Interval.String()
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					t.ID,
					t.TaskType,
					statusString(t.Status),
					t.RunAt.Local().Format(time.DateTime),
					humanize.Time(t.RunAt),
					t.Attempts,
					interval,
					lo.FromPtrOr(t.OwnerID, "-"),
				)
			}
			return w.Flush()
		})
	},
}

func statusString(s harmonytask.TaskStatus) string {
	switch s {
	case harmonytask.TaskStatusRunning:
		return color.GreenString(string(s))
	case harmonytask.TaskStatusClaiming:
		return color.YellowString(string(s))
	case harmonytask.TaskStatusFailed:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

var taskRmCmd = &cli.Command{
	Name:      "rm",
	Usage:     "Remove tasks",
	ArgsUsage: "<id> [id...]",
	Action: func(cctx *cli.Context) error {
		if !cctx.Args().Present() {
			return xerrors.New("expected at least one task id")
		}

		return withEngine(cctx, func(e *harmonytask.TaskEngine) error {
			var errs error
			for _, id := range cctx.Args().Slice() {
				if err := e.Remove(cctx.Context, id); err != nil {
					errs = multierr.Append(errs, xerrors.Errorf("removing %s: %w", id, err))
					continue
				}
				_, _ = fmt.Fprintf(cctx.App.Writer, "removed %s\n", id)
			}
			return errs
		})
	},
}

var taskRunSoonCmd = &cli.Command{
	Name:      "run-soon",
	Usage:     "Make an idle task due now",
	ArgsUsage: "<id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected a task id")
		}

		return withEngine(cctx, func(e *harmonytask.TaskEngine) error {
			t, err := e.RunSoon(cctx.Context, cctx.Args().First())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cctx.App.Writer, "%s due at %s\n", t.ID, t.RunAt.Local().Format(time.DateTime))
			return nil
		})
	},
}
