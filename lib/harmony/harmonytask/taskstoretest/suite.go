// Package taskstoretest holds the behaviour every harmonytask.TaskStore has
// to show, for use from the stores' own tests.
package taskstoretest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
)

func Task(id, taskType string, runAt time.Time) harmonytask.ConcreteTaskInstance {
	return harmonytask.ConcreteTaskInstance{
		TaskInstance: harmonytask.TaskInstance{
			ID:       id,
			TaskType: taskType,
			RunAt:    runAt,
			Params:   map[string]any{"n": "v"},
			State:    map[string]any{},
		},
		Status:      harmonytask.TaskStatusIdle,
		ScheduledAt: runAt,
	}
}

// TestStore runs the whole suite against an empty store.
func TestStore(t *testing.T, newStore func(t *testing.T) harmonytask.TaskStore) {
	t.Run("basic", func(t *testing.T) { testBasic(t, newStore(t)) })
	t.Run("candidates", func(t *testing.T) { testCandidates(t, newStore(t)) })
	t.Run("remove version", func(t *testing.T) { testRemoveVersion(t, newStore(t)) })
	t.Run("opaque ids", func(t *testing.T) { testOpaqueIDs(t, newStore(t)) })
	t.Run("round trip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("concurrent cas", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("engine", func(t *testing.T) { testEngine(t, newStore(t)) })
}

// Ids are compared byte for byte: ids that look like the same path are still
// different tasks.
func testOpaqueIDs(t *testing.T, s harmonytask.TaskStore) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	ids := []string{"a", "/a", "x/../a", "a/", "./a", "a//b", "..", "A"}
	for _, id := range ids {
		_, err := s.Insert(ctx, Task(id, "foo", now))
		require.NoError(t, err, "inserting %q", id)
	}
	for _, id := range ids {
		got, err := s.Get(ctx, id)
		require.NoError(t, err, "getting %q", id)
		require.Equal(t, id, got.ID)
	}

	all, err := s.List(ctx, harmonytask.ListQuery{})
	require.NoError(t, err)
	require.ElementsMatch(t, ids, lo.Map(all, func(task harmonytask.ConcreteTaskInstance, _ int) string { return task.ID }))

	slashed, err := s.Get(ctx, "/a")
	require.NoError(t, err)
	owner := "owner-1"
	u := slashed.Update()
	u.Status = harmonytask.TaskStatusClaiming
	u.OwnerID = &owner
	_, outcome, err := s.CompareAndSwap(ctx, "/a", slashed.Version, u)
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASApplied, outcome)

	plain, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, harmonytask.TaskStatusIdle, plain.Status)
	require.Nil(t, plain.OwnerID)

	require.NoError(t, s.Remove(ctx, "x/../a"))
	_, err = s.Get(ctx, "x/../a")
	require.ErrorIs(t, err, harmonytask.ErrTaskNotFound)
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)
}

func testBasic(t *testing.T, s harmonytask.TaskStore) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	a, err := s.Insert(ctx, Task("a", "foo", now))
	require.NoError(t, err)
	require.NotEmpty(t, a.Version)

	_, err = s.Insert(ctx, Task("a", "foo", now))
	require.ErrorIs(t, err, harmonytask.ErrTaskAlreadyExists)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, a.Version, got.Version)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, harmonytask.ErrTaskNotFound)

	owner := "owner-1"
	u := got.Update()
	u.Status = harmonytask.TaskStatusClaiming
	u.OwnerID = &owner
	claimed, outcome, err := s.CompareAndSwap(ctx, "a", got.Version, u)
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASApplied, outcome)
	require.True(t, claimed.IsOwnedBy(owner))
	require.Equal(t, harmonytask.TaskStatusClaiming, claimed.Status)
	require.NotEqual(t, got.Version, claimed.Version)

	current, outcome, err := s.CompareAndSwap(ctx, "a", got.Version, u)
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASConflicted, outcome)
	require.Equal(t, claimed.Version, current.Version)

	_, _, err = s.CompareAndSwap(ctx, "missing", got.Version, u)
	require.ErrorIs(t, err, harmonytask.ErrTaskNotFound)

	mine, err := s.List(ctx, harmonytask.ListQuery{OwnerID: owner})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	require.NoError(t, s.Remove(ctx, "a"))
	require.ErrorIs(t, s.Remove(ctx, "a"), harmonytask.ErrTaskNotFound)
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, harmonytask.ErrTaskNotFound)

	// a re-inserted id does not get back a version it had before
	again, err := s.Insert(ctx, Task("a", "foo", now))
	require.NoError(t, err)
	require.NotEqual(t, got.Version, again.Version)
	require.NotEqual(t, claimed.Version, again.Version)
}

func testRemoveVersion(t *testing.T, s harmonytask.TaskStore) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	a, err := s.Insert(ctx, Task("a", "foo", now))
	require.NoError(t, err)

	owner := "owner-2"
	u := a.Update()
	u.OwnerID = &owner
	moved, outcome, err := s.CompareAndSwap(ctx, "a", a.Version, u)
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASApplied, outcome)

	// a stale version leaves the task alone
	outcome, err = s.RemoveVersion(ctx, "a", a.Version)
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASConflicted, outcome)
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)

	outcome, err = s.RemoveVersion(ctx, "a", "not-a-version")
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASConflicted, outcome)

	outcome, err = s.RemoveVersion(ctx, "a", moved.Version)
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASApplied, outcome)
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, harmonytask.ErrTaskNotFound)

	_, err = s.RemoveVersion(ctx, "a", moved.Version)
	require.ErrorIs(t, err, harmonytask.ErrTaskNotFound)
}

func testCandidates(t *testing.T, s harmonytask.TaskStore) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	for _, tk := range []harmonytask.ConcreteTaskInstance{
		Task("due-late", "foo", now.Add(-time.Minute)),
		Task("due-early", "foo", now.Add(-2*time.Minute)),
		Task("due-now", "foo", now),
		Task("future", "foo", future),
		Task("other-type", "bar", now.Add(-2*time.Hour)),
	} {
		_, err := s.Insert(ctx, tk)
		require.NoError(t, err)
	}

	stale := Task("stale", "foo", now.Add(-time.Hour))
	stale.Status = harmonytask.TaskStatusRunning
	stale.RetryAt = &past
	_, err := s.Insert(ctx, stale)
	require.NoError(t, err)

	held := Task("held", "foo", now.Add(-time.Hour))
	held.Status = harmonytask.TaskStatusClaiming
	held.RetryAt = &future
	_, err = s.Insert(ctx, held)
	require.NoError(t, err)

	failed := Task("failed", "foo", now.Add(-time.Hour))
	failed.Status = harmonytask.TaskStatusFailed
	_, err = s.Insert(ctx, failed)
	require.NoError(t, err)

	cands, err := s.FetchCandidates(ctx, harmonytask.CandidateQuery{Now: now, TaskTypes: []string{"foo"}, Limit: 10})
	require.NoError(t, err)
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	require.Equal(t, []string{"stale", "due-early", "due-late", "due-now"}, ids)

	cands, err = s.FetchCandidates(ctx, harmonytask.CandidateQuery{Now: now, Limit: 2})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	require.Equal(t, "other-type", cands[0].ID)
	require.Equal(t, "stale", cands[1].ID)

	listed, err := s.List(ctx, harmonytask.ListQuery{Statuses: []harmonytask.TaskStatus{harmonytask.TaskStatusFailed, harmonytask.TaskStatusClaiming}})
	require.NoError(t, err)
	require.Len(t, listed, 2)

	listed, err = s.List(ctx, harmonytask.ListQuery{TaskTypes: []string{"bar"}})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	listed, err = s.List(ctx, harmonytask.ListQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, listed, 3)
}

func testRoundTrip(t *testing.T, s harmonytask.TaskStore) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	owner := "owner-1"
	started := now.Add(time.Second)

	in := Task("full", "foo", now)
	in.Schedule = &harmonytask.IntervalSchedule{Interval: 90 * time.Second}
	in.Params = map[string]any{"path": "/tmp/x", "deep": map[string]any{"k": "v"}}
	in.State = map[string]any{"cursor": "abc"}
	in.Scope = []string{"alpha", "beta"}
	in.OwnerID = &owner
	in.StartedAt = &started
	in.Attempts = 2

	_, err := s.Insert(ctx, in)
	require.NoError(t, err)

	out, err := s.Get(ctx, "full")
	require.NoError(t, err)
	require.Equal(t, in.TaskType, out.TaskType)
	require.True(t, in.RunAt.Equal(out.RunAt))
	require.True(t, in.ScheduledAt.Equal(out.ScheduledAt))
	require.True(t, started.Equal(*out.StartedAt))
	require.Nil(t, out.RetryAt)
	require.Equal(t, in.Schedule, out.Schedule)
	require.Equal(t, in.Params, out.Params)
	require.Equal(t, in.State, out.State)
	require.Equal(t, in.Scope, out.Scope)
	require.True(t, out.IsOwnedBy(owner))
	require.Equal(t, 2, out.Attempts)
}

func testConcurrentCAS(t *testing.T, s harmonytask.TaskStore) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("t%d", i)
		inserted, err := s.Insert(ctx, Task(id, "foo", time.Now()))
		require.NoError(t, err)

		var wg sync.WaitGroup
		outcomes := make([]harmonytask.CASOutcome, 4)
		errs := make([]error, 4)
		for w := range outcomes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				owner := fmt.Sprintf("owner-%d", w)
				u := inserted.Update()
				u.Status = harmonytask.TaskStatusClaiming
				u.OwnerID = &owner
				_, outcomes[w], errs[w] = s.CompareAndSwap(ctx, id, inserted.Version, u)
			}()
		}
		wg.Wait()

		applied := 0
		for w, o := range outcomes {
			require.NoError(t, errs[w])
			if o == harmonytask.CASApplied {
				applied++
			} else {
				require.Equal(t, harmonytask.CASConflicted, o)
			}
		}
		require.Equal(t, 1, applied)
	}
}

func testEngine(t *testing.T, s harmonytask.TaskStore) {
	ctx := context.Background()

	var lk sync.Mutex
	ran := map[string]int{}
	dict := harmonytask.NewTaskTypeDictionary()
	require.NoError(t, dict.RegisterTaskDefinitions(harmonytask.TaskDefinition{
		Type: "count",
		CreateTaskRunner: func(inst harmonytask.ConcreteTaskInstance) harmonytask.TaskHandler {
			return harmonytask.TaskHandlerFunc(func(context.Context) (harmonytask.RunResult, error) {
				lk.Lock()
				defer lk.Unlock()
				ran[inst.ID]++
				return harmonytask.RunResult{}, nil
			})
		},
	}))

	cfg := harmonytask.Config{PollInterval: 10 * time.Millisecond, Capacity: 3, MaxClaimBatch: 2}
	engines := make([]*harmonytask.TaskEngine, 2)
	for i := range engines {
		e, err := harmonytask.New(cfg, s, dict)
		require.NoError(t, err)
		engines[i] = e
	}

	const n = 12
	for i := 0; i < n; i++ {
		_, err := engines[0].Schedule(ctx, harmonytask.TaskInstance{TaskType: "count"})
		require.NoError(t, err)
	}
	for _, e := range engines {
		require.NoError(t, e.Start(ctx))
	}

	require.Eventually(t, func() bool {
		left, err := s.List(ctx, harmonytask.ListQuery{})
		return err == nil && len(left) == 0
	}, 20*time.Second, 10*time.Millisecond)
	for _, e := range engines {
		require.NoError(t, e.GracefullyTerminate(time.Second))
	}

	lk.Lock()
	defer lk.Unlock()
	require.Len(t, ran, n)
	for id, runs := range ran {
		require.Equal(t, 1, runs, "task %s", id)
	}
}
