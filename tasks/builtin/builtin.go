// Package builtin holds the task types every harmony node registers. They are
// useful to check a cluster is claiming and running work end to end.
package builtin

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
)

var log = logging.Logger("builtin-tasks")

const (
	TypeNoop  = "noop"
	TypeSleep = "sleep"
	TypeFail  = "fail"
	TypeEcho  = "echo"
)

// Definitions returns all builtin task definitions.
func Definitions() []harmonytask.TaskDefinition {
	return []harmonytask.TaskDefinition{
		NoopTask(),
		SleepTask(),
		FailTask(),
		EchoTask(),
	}
}

// Register adds the builtin definitions to d.
func Register(d *harmonytask.TaskTypeDictionary) error {
	return d.RegisterTaskDefinitions(Definitions()...)
}

func NoopTask() harmonytask.TaskDefinition {
	return harmonytask.TaskDefinition{
		Type:  TypeNoop,
		Title: "No-op",
		CreateTaskRunner: func(harmonytask.ConcreteTaskInstance) harmonytask.TaskHandler {
			return harmonytask.TaskHandlerFunc(func(context.Context) (harmonytask.RunResult, error) {
				return harmonytask.RunResult{}, nil
			})
		},
	}
}

// SleepTask waits for the "duration" param, e.g. "1m30s". It stops early with
// an error if the run's context ends first.
func SleepTask() harmonytask.TaskDefinition {
	return harmonytask.TaskDefinition{
		Type:        TypeSleep,
		Title:       "Sleep",
		Description: "waits for params.duration",
		CreateTaskRunner: func(t harmonytask.ConcreteTaskInstance) harmonytask.TaskHandler {
			return &sleepTask{task: t}
		},
	}
}

type sleepTask struct {
	task harmonytask.ConcreteTaskInstance
}

func (s *sleepTask) Run(ctx context.Context) (harmonytask.RunResult, error) {
	d, err := durationParam(s.task.Params, "duration")
	if err != nil {
		return harmonytask.RunResult{}, err
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return harmonytask.RunResult{}, nil
	case <-ctx.Done():
		return harmonytask.RunResult{}, xerrors.Errorf("sleep interrupted: %w", ctx.Err())
	}
}

// FailTask fails every run with params.message.
func FailTask() harmonytask.TaskDefinition {
	return harmonytask.TaskDefinition{
		Type:        TypeFail,
		Title:       "Fail",
		Description: "fails every run",
		CreateTaskRunner: func(t harmonytask.ConcreteTaskInstance) harmonytask.TaskHandler {
			return harmonytask.TaskHandlerFunc(func(context.Context) (harmonytask.RunResult, error) {
				msg, _ := t.Params["message"].(string)
				return harmonytask.RunResult{}, xerrors.Errorf("task failed: %s", lo.Ternary(msg == "", "no message", msg))
			})
		},
	}
}

// EchoTask logs its params and counts its runs in state.runs.
func EchoTask() harmonytask.TaskDefinition {
	return harmonytask.TaskDefinition{
		Type:  TypeEcho,
		Title: "Echo",
		CreateTaskRunner: func(t harmonytask.ConcreteTaskInstance) harmonytask.TaskHandler {
			return harmonytask.TaskHandlerFunc(func(context.Context) (harmonytask.RunResult, error) {
				runs := intValue(t.State["runs"]) + 1
				log.Infow("echo", "task", t.ID, "params", t.Params, "runs", runs)

				state := lo.Assign(t.State, map[string]any{"runs": runs})
				return harmonytask.RunResult{State: state}, nil
			})
		},
	}
}

func durationParam(params map[string]any, key string) (time.Duration, error) {
	v, ok := params[key]
	if !ok {
		return 0, xerrors.Errorf("missing %s param", key)
	}
	switch v := v.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, xerrors.Errorf("parsing %s param: %w", key, err)
		}
		return d, nil
	case float64:
		// bare numbers are seconds
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, xerrors.Errorf("%s param has unexpected type %T", key, v)
	}
}

// intValue reads a counter back from decoded JSON, where numbers are float64.
func intValue(v any) int {
	switch v := v.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
