package harmonytask

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/harmonytask/lib/result"
	"github.com/filecoin-project/harmonytask/metrics"
)

// FillCycle is one fill as seen by the poller: the fill's result and the
// batch size that was asked of the claimer.
type FillCycle struct {
	Result    result.Result[FillPoolResult, FillPoolError]
	Requested int
}

type PollFunc func(context.Context) (FillCycle, error)

// TaskPoller drives fill cycles. Every tick it fills the pool, and fills
// again straight away while the pool took the whole batch and the batch came
// back full, up to maxIterations fills per tick.
type TaskPoller struct {
	clock         clock.Clock
	interval      time.Duration
	maxIterations int
	fill          PollFunc

	errBackoff *backoff.Backoff
	trigger    chan struct{}
}

func NewTaskPoller(clk clock.Clock, interval time.Duration, maxIterations int, errBackoff *backoff.Backoff, fill PollFunc) *TaskPoller {
	if maxIterations < 1 {
		maxIterations = 1
	}
	if errBackoff == nil {
		errBackoff = &backoff.Backoff{Min: interval, Max: 10 * interval, Factor: 2}
	}
	return &TaskPoller{
		clock:         clk,
		interval:      interval,
		maxIterations: maxIterations,
		fill:          fill,
		errBackoff:    errBackoff,
		trigger:       make(chan struct{}, 1),
	}
}

// Trigger asks for a poll ahead of the next tick. Triggers that arrive while
// one is already pending are merged.
func (p *TaskPoller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (p *TaskPoller) Run(ctx context.Context) {
	wait := p.next(ctx, p.Tick(ctx))
	for {
		timer := p.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.trigger:
			timer.Stop()
		case <-timer.C:
		}
		wait = p.next(ctx, p.Tick(ctx))
	}
}

func (p *TaskPoller) next(ctx context.Context, err error) time.Duration {
	if err == nil {
		p.errBackoff.Reset()
		return p.interval
	}
	if ctx.Err() != nil {
		return p.interval
	}
	wait := p.interval + p.errBackoff.Duration()
	log.Errorw("filling task pool failed", "error", err, "attempt", p.errBackoff.Attempt(), "nextPoll", wait)
	return wait
}

// Tick runs the fills for one poll.
func (p *TaskPoller) Tick(ctx context.Context) error {
	for i := 0; i < p.maxIterations; i++ {
		cycle, err := p.fill(ctx)
		recordFillCycle(ctx, cycle, err)
		if err != nil {
			return err
		}
		if !shouldRefill(cycle) {
			return nil
		}
		log.Debugw("pool took the full batch, filling again", "iteration", i+1, "batch", cycle.Requested)
	}
	return nil
}

func shouldRefill(c FillCycle) bool {
	res, ok := c.Result.Value()
	if !ok {
		return false
	}
	return res.Outcome == PoolRunningAllClaimedTasks &&
		c.Requested > 0 &&
		res.Stats.TasksClaimed >= c.Requested
}

func recordFillCycle(ctx context.Context, c FillCycle, err error) {
	label := "error"
	if err == nil && (c.Result.IsOk() || c.Result.IsErr()) {
		label = result.Fold(c.Result,
			func(r FillPoolResult) string { return string(r.Outcome) },
			func(e FillPoolError) string { return string(e.Kind) },
		)
	}
	_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.Outcome, label)}, metrics.FillCycles.M(1))
}
