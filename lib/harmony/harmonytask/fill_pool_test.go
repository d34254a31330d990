package harmonytask

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/result"
)

func mockTasks(n int) []ConcreteTaskInstance {
	out := make([]ConcreteTaskInstance, n)
	for i := range out {
		out[i] = ConcreteTaskInstance{
			TaskInstance: TaskInstance{
				ID:       fmt.Sprintf("task-%d", i),
				TaskType: "foo",
				RunAt:    time.Unix(int64(i), 0),
				Params:   map[string]any{"n": i},
			},
			Status:  TaskStatusClaiming,
			Version: "1",
		}
	}
	return out
}

func fetchOk(docs []ConcreteTaskInstance) FetchFunc {
	return func(context.Context) (result.Result[ClaimOwnershipResult, FillPoolError], error) {
		return result.Ok[ClaimOwnershipResult, FillPoolError](ClaimOwnershipResult{
			Stats: ClaimStats{TasksUpdated: len(docs), TasksClaimed: len(docs)},
			Docs:  docs,
		}), nil
	}
}

func identity(t ConcreteTaskInstance) (ConcreteTaskInstance, error) {
	return t, nil
}

type recordingRun struct {
	calls   [][]ConcreteTaskInstance
	outcome TaskPoolRunResult
	err     error
}

func (r *recordingRun) run(_ context.Context, batch []ConcreteTaskInstance) (TaskPoolRunResult, error) {
	r.calls = append(r.calls, batch)
	return r.outcome, r.err
}

func TestFillPoolForwardsAllClaimedInOrder(t *testing.T) {
	ctx := context.Background()

	for _, n := range []int{1, 2, 7, 30} {
		tasks := mockTasks(n)
		rec := &recordingRun{outcome: RunningAllClaimedTasks}

		res, err := FillPool(ctx, fetchOk(tasks), identity, rec.run)
		require.NoError(t, err)
		require.True(t, res.IsOk())
		require.Equal(t, PoolRunningAllClaimedTasks, res.Unwrap().Outcome)
		require.Equal(t, n, res.Unwrap().Stats.TasksClaimed)

		require.Len(t, rec.calls, 1)
		require.Len(t, rec.calls[0], n)
		for i := range tasks {
			require.Equal(t, tasks[i].ID, rec.calls[0][i].ID)
		}
	}
}

func TestFillPoolReportsRanOutOfCapacity(t *testing.T) {
	rec := &recordingRun{outcome: RanOutOfCapacity}
	res, err := FillPool(context.Background(), fetchOk(mockTasks(3)), identity, rec.run)
	require.NoError(t, err)
	require.Equal(t, PoolRanOutOfCapacity, res.Unwrap().Outcome)
}

func TestFillPoolConverterErrorAbortsCycle(t *testing.T) {
	boom := xerrors.New("unknown task type")
	converted := 0
	converter := func(t ConcreteTaskInstance) (ConcreteTaskInstance, error) {
		if t.ID == "task-2" {
			return ConcreteTaskInstance{}, boom
		}
		converted++
		return t, nil
	}

	rec := &recordingRun{}
	_, err := FillPool(context.Background(), fetchOk(mockTasks(5)), converter, rec.run)
	require.ErrorIs(t, err, boom)
	require.Equal(t, boom, err)
	require.Equal(t, 2, converted)
	require.Empty(t, rec.calls)
}

func TestFillPoolRelaysFetchError(t *testing.T) {
	boom := xerrors.New("store unreachable")
	fetch := func(context.Context) (result.Result[ClaimOwnershipResult, FillPoolError], error) {
		return result.Result[ClaimOwnershipResult, FillPoolError]{}, boom
	}

	rec := &recordingRun{}
	_, err := FillPool(context.Background(), fetch, identity, rec.run)
	require.Equal(t, boom, err)
	require.Empty(t, rec.calls)
}

func TestFillPoolPanicsOnUnsetClaim(t *testing.T) {
	fetch := func(context.Context) (result.Result[ClaimOwnershipResult, FillPoolError], error) {
		return result.Result[ClaimOwnershipResult, FillPoolError]{}, nil
	}

	rec := &recordingRun{}
	require.Panics(t, func() {
		_, _ = FillPool(context.Background(), fetch, identity, rec.run)
	})
	require.Empty(t, rec.calls)
}

func TestFillPoolRelaysRunError(t *testing.T) {
	boom := xerrors.New("pool rejected")
	rec := &recordingRun{err: boom}
	_, err := FillPool(context.Background(), fetchOk(mockTasks(2)), identity, rec.run)
	require.Equal(t, boom, err)
	require.Len(t, rec.calls, 1)
}

func TestFillPoolClaimFailureSkipsRun(t *testing.T) {
	fetch := func(context.Context) (result.Result[ClaimOwnershipResult, FillPoolError], error) {
		return result.Err[ClaimOwnershipResult](FillPoolError{Kind: FillPoolRanOutOfCapacity}), nil
	}
	converterCalls := 0
	converter := func(t ConcreteTaskInstance) (ConcreteTaskInstance, error) {
		converterCalls++
		return t, nil
	}

	rec := &recordingRun{}
	res, err := FillPool(context.Background(), fetch, converter, rec.run)
	require.NoError(t, err)
	require.True(t, res.IsErr())
	require.Equal(t, FillPoolRanOutOfCapacity, res.UnwrapErr().Kind)
	require.Zero(t, converterCalls)
	require.Empty(t, rec.calls)
}

func TestFillPoolIdempotentWithoutCandidates(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	now := time.Now()
	addTask(t, s, "a", "foo", now.Add(-time.Second))
	addTask(t, s, "b", "foo", now.Add(-time.Second))

	claimer := NewTaskClaiming(s, "owner-1")
	fetch := func(ctx context.Context) (result.Result[ClaimOwnershipResult, FillPoolError], error) {
		return claimer.ClaimAvailableTasks(ctx, ClaimOpts{BatchSize: 10, ClaimDuration: time.Hour})
	}

	rec := &recordingRun{outcome: RunningAllClaimedTasks}
	res, err := FillPool(ctx, fetch, identity, rec.run)
	require.NoError(t, err)
	require.Equal(t, PoolRunningAllClaimedTasks, res.Unwrap().Outcome)
	require.Len(t, rec.calls, 1)
	require.Len(t, rec.calls[0], 2)

	// nothing left to claim: both cycles come back empty and nothing is
	// dispatched a second time
	for i := 0; i < 2; i++ {
		res, err := FillPool(ctx, fetch, identity, rec.run)
		require.NoError(t, err)
		require.Equal(t, NoTasksClaimed, res.Unwrap().Outcome)
		require.Zero(t, res.Unwrap().Stats.TasksClaimed)
	}
	require.Len(t, rec.calls, 1)
}

func TestFillPoolDoesNotMutateClaimedDocs(t *testing.T) {
	tasks := mockTasks(1)
	converter := func(t ConcreteTaskInstance) (ConcreteTaskInstance, error) {
		t.Params["n"] = "changed"
		t.ID = "changed"
		return t, nil
	}
	rec := &recordingRun{}
	_, err := FillPool(context.Background(), fetchOk(tasks), converter, rec.run)
	require.NoError(t, err)
	require.Equal(t, "task-0", tasks[0].ID)
	require.Equal(t, 0, tasks[0].Params["n"])
}

func TestConverterPreservesIdentity(t *testing.T) {
	defs := NewTaskTypeDictionary()
	require.NoError(t, defs.RegisterTaskDefinitions(TaskDefinition{
		Type:    "foo",
		Timeout: time.Minute,
		CreateTaskRunner: func(ConcreteTaskInstance) TaskHandler {
			return TaskHandlerFunc(func(context.Context) (RunResult, error) { return RunResult{}, nil })
		},
	}))
	e, err := New(Config{Capacity: 1}, newMemStore(), defs)
	require.NoError(t, err)

	for _, doc := range mockTasks(3) {
		r, err := e.convert(doc)
		require.NoError(t, err)
		require.Equal(t, doc.ID, r.ID())

		tr := r.(*TaskRunner)
		require.Equal(t, "foo", tr.TaskType())
		require.Equal(t, time.Minute, tr.Timeout())
		require.Equal(t, doc.Params, tr.Instance().Params)
	}

	doc := mockTasks(1)[0]
	doc.TaskType = "bar"
	_, err = e.convert(doc)
	require.ErrorIs(t, err, ErrUnknownTaskType)
}
