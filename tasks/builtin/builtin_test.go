package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonyds"
	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
)

func run(t *testing.T, def harmonytask.TaskDefinition, inst harmonytask.ConcreteTaskInstance) (harmonytask.RunResult, error) {
	t.Helper()
	inst.TaskType = def.Type
	return def.CreateTaskRunner(inst).Run(context.Background())
}

func TestRegister(t *testing.T) {
	d := harmonytask.NewTaskTypeDictionary()
	require.NoError(t, Register(d))
	require.Equal(t, []string{TypeEcho, TypeFail, TypeNoop, TypeSleep}, d.Types())

	require.Error(t, Register(d))
}

func TestNoop(t *testing.T) {
	res, err := run(t, NoopTask(), harmonytask.ConcreteTaskInstance{})
	require.NoError(t, err)
	require.Nil(t, res.State)
}

func TestSleep(t *testing.T) {
	var inst harmonytask.ConcreteTaskInstance

	inst.Params = map[string]any{"duration": "5ms"}
	_, err := run(t, SleepTask(), inst)
	require.NoError(t, err)

	inst.Params = map[string]any{"duration": 0.005}
	_, err = run(t, SleepTask(), inst)
	require.NoError(t, err)

	inst.Params = map[string]any{}
	_, err = run(t, SleepTask(), inst)
	require.ErrorContains(t, err, "missing duration")

	inst.Params = map[string]any{"duration": "later"}
	_, err = run(t, SleepTask(), inst)
	require.Error(t, err)

	inst.Params = map[string]any{"duration": true}
	_, err = run(t, SleepTask(), inst)
	require.ErrorContains(t, err, "unexpected type bool")
}

func TestSleepHonoursContext(t *testing.T) {
	h := SleepTask().CreateTaskRunner(harmonytask.ConcreteTaskInstance{
		TaskInstance: harmonytask.TaskInstance{Params: map[string]any{"duration": "1h"}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFail(t *testing.T) {
	var inst harmonytask.ConcreteTaskInstance
	_, err := run(t, FailTask(), inst)
	require.ErrorContains(t, err, "no message")

	inst.Params = map[string]any{"message": "boom"}
	_, err = run(t, FailTask(), inst)
	require.ErrorContains(t, err, "boom")
}

func TestEchoCountsRuns(t *testing.T) {
	var inst harmonytask.ConcreteTaskInstance
	inst.Params = map[string]any{"hello": "world"}
	inst.State = map[string]any{"keep": "me"}

	res, err := run(t, EchoTask(), inst)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"keep": "me", "runs": 1}, res.State)
	require.Equal(t, map[string]any{"keep": "me"}, inst.State)

	// state read back from a store holds float64 counters
	inst.State = map[string]any{"runs": float64(4)}
	res, err = run(t, EchoTask(), inst)
	require.NoError(t, err)
	require.Equal(t, 5, res.State["runs"])
}

func TestEngineRunsBuiltins(t *testing.T) {
	ctx := context.Background()

	d := harmonytask.NewTaskTypeDictionary()
	require.NoError(t, Register(d))

	cfg := harmonytask.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Capacity = 2

	store := harmonyds.NewMap()
	e, err := harmonytask.New(cfg, store, d)
	require.NoError(t, err)

	_, err = e.Schedule(ctx, harmonytask.TaskInstance{ID: "noop", TaskType: TypeNoop})
	require.NoError(t, err)
	_, err = e.Schedule(ctx, harmonytask.TaskInstance{
		ID:       "echo",
		TaskType: TypeEcho,
		Schedule: &harmonytask.IntervalSchedule{Interval: time.Hour},
	})
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx))
	defer func() {
		require.NoError(t, e.GracefullyTerminate(time.Second))
	}()

	require.Eventually(t, func() bool {
		_, err := e.Get(ctx, "noop")
		return xerrors.Is(err, harmonytask.ErrTaskNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		echo, err := e.Get(ctx, "echo")
		return err == nil && echo.Status == harmonytask.TaskStatusIdle && intValue(echo.State["runs"]) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
