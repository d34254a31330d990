package harmonytask

import (
	"context"
	"time"

	"github.com/raulk/clock"
	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/result"
	"github.com/filecoin-project/harmonytask/metrics"
)

const defaultClaimConcurrency = 8

type ClaimOpts struct {
	// BatchSize caps how many tasks one cycle may claim.
	BatchSize int
	// ClaimDuration is how long a claim holds before other instances may
	// treat the task as stale and reclaim it.
	ClaimDuration time.Duration
}

// TaskClaiming implements the claim side of the ownership protocol on top of
// a TaskStore. It holds no locks: each claim is a conditional update against
// the version observed at selection time, and whichever instance reaches the
// store first wins.
type TaskClaiming struct {
	store       TaskStore
	ownerID     string
	clock       clock.Clock
	taskTypes   func() []string
	concurrency int
}

type ClaimingOption func(*TaskClaiming)

// ClaimTaskTypes restricts claiming to the types returned by f. When f
// returns no types, nothing is claimed.
func ClaimTaskTypes(f func() []string) ClaimingOption {
	return func(c *TaskClaiming) {
		c.taskTypes = f
	}
}

// ClaimConcurrency bounds the number of conditional updates in flight.
func ClaimConcurrency(n int) ClaimingOption {
	return func(c *TaskClaiming) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func ClaimClock(clk clock.Clock) ClaimingOption {
	return func(c *TaskClaiming) {
		c.clock = clk
	}
}

func NewTaskClaiming(store TaskStore, ownerID string, opts ...ClaimingOption) *TaskClaiming {
	c := &TaskClaiming{
		store:       store,
		ownerID:     ownerID,
		clock:       clock.New(),
		concurrency: defaultClaimConcurrency,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *TaskClaiming) OwnerID() string {
	return c.ownerID
}

type claimAttempt struct {
	outcome CASOutcome
	doc     ConcreteTaskInstance
}

// ClaimAvailableTasks claims up to opts.BatchSize due tasks for this owner.
//
// A non-positive batch size is the NoAvailableWorkers failure. Store errors
// are returned as Go errors. Docs holds only tasks that still carry this
// owner and the version our update produced when re-read after the update.
func (c *TaskClaiming) ClaimAvailableTasks(ctx context.Context, opts ClaimOpts) (result.Result[ClaimOwnershipResult, FillPoolError], error) {
	var none result.Result[ClaimOwnershipResult, FillPoolError]

	if opts.BatchSize <= 0 {
		return result.Err[ClaimOwnershipResult](FillPoolError{Kind: FillPoolNoAvailableWorkers}), nil
	}

	var types []string
	if c.taskTypes != nil {
		types = c.taskTypes()
		if len(types) == 0 {
			return result.Ok[ClaimOwnershipResult, FillPoolError](ClaimOwnershipResult{}), nil
		}
	}

	start := c.clock.Now()
	candidates, err := c.store.FetchCandidates(ctx, CandidateQuery{
		Now:       start,
		TaskTypes: types,
		Limit:     opts.BatchSize,
	})
	if err != nil {
		return none, xerrors.Errorf("fetching claim candidates: %w", err)
	}
	if len(candidates) > opts.BatchSize {
		candidates = candidates[:opts.BatchSize]
	}

	attempts := make([]claimAttempt, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, cand := range candidates {
		g.Go(func() error {
			until := start.Add(opts.ClaimDuration)
			owner := c.ownerID

			u := cand.Update()
			u.Status = TaskStatusClaiming
			u.OwnerID = &owner
			u.RetryAt = &until

			updated, outcome, err := c.store.CompareAndSwap(gctx, cand.ID, cand.Version, u)
			if xerrors.Is(err, ErrTaskNotFound) {
				return nil // gone since selection; no outcome
			}
			if err != nil {
				return xerrors.Errorf("claiming task %s: %w", cand.ID, err)
			}
			attempts[i] = claimAttempt{outcome: outcome, doc: updated}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return none, err
	}

	var res ClaimOwnershipResult
	for _, a := range attempts {
		switch a.outcome {
		case CASApplied:
			res.Stats.TasksUpdated++
		case CASConflicted:
			res.Stats.TasksConflicted++
			continue
		default:
			continue
		}

		current, err := c.store.Get(ctx, a.doc.ID)
		if xerrors.Is(err, ErrTaskNotFound) {
			log.Debugw("claimed task disappeared before re-check", "id", a.doc.ID)
			continue
		}
		if err != nil {
			return none, xerrors.Errorf("re-checking claim on task %s: %w", a.doc.ID, err)
		}
		if !current.IsOwnedBy(c.ownerID) || current.Version != a.doc.Version || current.Status != TaskStatusClaiming {
			log.Infow("did not keep claimed task", "id", a.doc.ID, "reason", "changed after claim", "status", current.Status)
			continue
		}
		res.Docs = append(res.Docs, current)
	}
	res.Stats.TasksClaimed = len(res.Docs)

	stats.Record(ctx,
		metrics.ClaimDuration.M(metrics.Milliseconds(c.clock.Now().Sub(start))),
		metrics.TasksClaimed.M(int64(res.Stats.TasksClaimed)),
		metrics.TasksConflicted.M(int64(res.Stats.TasksConflicted)),
	)
	if len(candidates) > 0 {
		log.Debugw("claim cycle finished",
			"owner", c.ownerID,
			"candidates", len(candidates),
			"updated", res.Stats.TasksUpdated,
			"conflicted", res.Stats.TasksConflicted,
			"claimed", lo.Map(res.Docs, func(t ConcreteTaskInstance, _ int) string { return t.ID }))
	}

	return result.Ok[ClaimOwnershipResult, FillPoolError](res), nil
}
