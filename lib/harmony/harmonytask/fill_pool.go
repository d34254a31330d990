package harmonytask

import (
	"context"

	"github.com/filecoin-project/harmonytask/lib/result"
)

type FillPoolOutcome string

const (
	NoTasksClaimed             FillPoolOutcome = "NoTasksClaimed"
	PoolRunningAllClaimedTasks FillPoolOutcome = "RunningAllClaimedTasks"
	PoolRanOutOfCapacity       FillPoolOutcome = "RanOutOfCapacity"
)

type FillPoolResult struct {
	Outcome FillPoolOutcome
	Stats   ClaimStats
}

// FetchFunc claims a batch of tasks. Expected failures come back as the
// error variant of the result; a non-nil error is fatal for the cycle.
type FetchFunc func(context.Context) (result.Result[ClaimOwnershipResult, FillPoolError], error)

// RunFunc hands a converted batch to a pool.
type RunFunc[R any] func(context.Context, []R) (TaskPoolRunResult, error)

// FillPool runs one fill cycle: claim, convert, dispatch.
//
// Errors from fetchAvailableTasks, converter and run are returned as-is, and
// run is only ever called once, with exactly the batch converted from this
// cycle's claim. A claim failure is returned as the error variant without
// converting or running anything. A zero result with a nil error is a broken
// FetchFunc and panics.
func FillPool[R any](
	ctx context.Context,
	fetchAvailableTasks FetchFunc,
	converter Converter[R],
	run RunFunc[R],
) (result.Result[FillPoolResult, FillPoolError], error) {
	var none result.Result[FillPoolResult, FillPoolError]

	claimed, err := fetchAvailableTasks(ctx)
	if err != nil {
		return none, err
	}
	if failure, isErr := claimed.ErrValue(); isErr {
		return result.Err[FillPoolResult](failure), nil
	}
	res, ok := claimed.Value()
	if !ok {
		panic("harmonytask: fetchAvailableTasks returned an unset result with a nil error")
	}

	if len(res.Docs) == 0 {
		return result.Ok[FillPoolResult, FillPoolError](FillPoolResult{Outcome: NoTasksClaimed, Stats: res.Stats}), nil
	}

	tasks := make([]R, 0, len(res.Docs))
	for _, doc := range res.Docs {
		r, err := converter(doc.Clone())
		if err != nil {
			return none, err
		}
		tasks = append(tasks, r)
	}

	ran, err := run(ctx, tasks)
	if err != nil {
		return none, err
	}

	out := FillPoolResult{Outcome: PoolRunningAllClaimedTasks, Stats: res.Stats}
	if ran == RanOutOfCapacity {
		out.Outcome = PoolRanOutOfCapacity
	}
	return result.Ok[FillPoolResult, FillPoolError](out), nil
}
