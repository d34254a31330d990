package harmonytask

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/metrics"
)

type RunnerConfig struct {
	Store   TaskStore
	Clock   clock.Clock
	OwnerID string

	// Backoff spaces out retries of failed runs; attempt n waits
	// Backoff.ForAttempt(n-1).
	Backoff *backoff.Backoff

	DefaultTimeout     time.Duration
	DefaultMaxAttempts int
}

// TaskRunner is the Runnable for one claimed task. It moves the task from
// claiming to running, calls the handler, and writes the outcome back with
// the same optimistic version checks the claim used.
type TaskRunner struct {
	id         string
	taskType   string
	definition TaskDefinition
	cfg        RunnerConfig

	lk       sync.Mutex
	instance ConcreteTaskInstance
}

func NewTaskRunner(inst ConcreteTaskInstance, def TaskDefinition, cfg RunnerConfig) *TaskRunner {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &backoff.Backoff{}
	}
	return &TaskRunner{
		id:         inst.ID,
		taskType:   inst.TaskType,
		definition: def,
		cfg:        cfg,
		instance:   inst.Clone(),
	}
}

func (r *TaskRunner) ID() string {
	return r.id
}

func (r *TaskRunner) TaskType() string {
	return r.taskType
}

func (r *TaskRunner) String() string {
	return r.taskType + ":" + r.id
}

// Instance returns a copy of the task as last written by this runner.
func (r *TaskRunner) Instance() ConcreteTaskInstance {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.instance.Clone()
}

func (r *TaskRunner) setInstance(t ConcreteTaskInstance) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.instance = t
}

func (r *TaskRunner) Timeout() time.Duration {
	if r.definition.Timeout > 0 {
		return r.definition.Timeout
	}
	return r.cfg.DefaultTimeout
}

func (r *TaskRunner) maxAttempts() int {
	if r.definition.MaxAttempts != 0 {
		return r.definition.MaxAttempts
	}
	return r.cfg.DefaultMaxAttempts
}

func (r *TaskRunner) attemptsExhausted(attempts int) bool {
	max := r.maxAttempts()
	return max > 0 && attempts >= max
}

func (r *TaskRunner) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return r.cfg.Backoff.ForAttempt(float64(attempts - 1))
}

// MarkTaskAsRunning moves a claimed task to running and bumps its attempt
// count. It returns false without error when the task should not run here:
// ownership was lost, the task is gone, or it has no attempts left (in which
// case it is marked failed).
func (r *TaskRunner) MarkTaskAsRunning(ctx context.Context) (bool, error) {
	inst := r.Instance()
	if inst.Status != TaskStatusClaiming || !inst.IsOwnedBy(r.cfg.OwnerID) {
		log.Warnw("not running task that is not claimed by this instance", "task", r.String(), "status", inst.Status)
		return false, nil
	}

	now := r.cfg.Clock.Now()
	u := inst.Update()

	if !inst.IsRecurring() && r.attemptsExhausted(inst.Attempts) {
		log.Warnw("task has no attempts left, marking it failed", "task", r.String(), "attempts", inst.Attempts)
		u.Status = TaskStatusFailed
		u.OwnerID = nil
		u.StartedAt = nil
		u.RetryAt = nil
		_, err := r.swap(ctx, inst, u, "marking exhausted task as failed")
		return false, err
	}

	attempts := inst.Attempts + 1
	retryAt := now.Add(r.Timeout() + r.retryDelay(attempts))
	u.Status = TaskStatusRunning
	u.Attempts = attempts
	u.StartedAt = &now
	u.RetryAt = &retryAt
	return r.swap(ctx, inst, u, "marking task as running")
}

// Run executes the task. Handler failures are returned after the outcome has
// been persisted; a lost claim is not an error.
func (r *TaskRunner) Run(ctx context.Context) error {
	running, err := r.MarkTaskAsRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	inst := r.Instance()
	log.Infow("Beginning work on task", "task", r.String(), "attempt", inst.Attempts)

	start := r.cfg.Clock.Now()
	res, runErr := runHandler(ctx, r.definition.CreateTaskRunner(inst.Clone()))
	took := r.cfg.Clock.Now().Sub(start)

	outcome := "success"
	if runErr != nil {
		outcome = "failure"
		log.Errorw("task run returned error", "task", r.String(), "attempt", inst.Attempts, "took", took, "error", runErr)
		runErr = xerrors.Errorf("running task %s: %w", r.String(), runErr)
	} else {
		log.Infow("task run finished", "task", r.String(), "took", took)
	}
	_ = stats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(metrics.TaskType, r.taskType), tag.Upsert(metrics.Outcome, outcome)},
		metrics.TaskRunDuration.M(metrics.Milliseconds(took)))

	// The run context may already be cancelled by a timeout or shutdown; the
	// outcome still has to be written so the task is not left running.
	persistErr := r.processResult(context.WithoutCancel(ctx), res, runErr)
	return multierr.Append(runErr, persistErr)
}

func runHandler(ctx context.Context, h TaskHandler) (res RunResult, err error) {
	if c, ok := h.(CancellableTaskHandler); ok {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				if cerr := c.Cancel(context.WithoutCancel(ctx)); cerr != nil {
					log.Warnw("cancelling task handler", "error", cerr)
				}
			case <-done:
			}
		}()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = xerrors.Errorf("task handler panicked: %v", rec)
		}
	}()
	return h.Run(ctx)
}

func (r *TaskRunner) processResult(ctx context.Context, res RunResult, runErr error) error {
	inst := r.Instance()
	now := r.cfg.Clock.Now()

	if runErr == nil && !inst.IsRecurring() && res.RunAt.IsZero() {
		outcome, err := r.cfg.Store.RemoveVersion(ctx, inst.ID, inst.Version)
		if err != nil && !xerrors.Is(err, ErrTaskNotFound) {
			return xerrors.Errorf("removing completed task %s: %w", r.String(), err)
		}
		if outcome == CASConflicted {
			log.Warnw("completed task changed while it ran, leaving it in place", "task", r.String())
		}
		return nil
	}

	u := inst.Update()
	u.Status = TaskStatusIdle
	u.OwnerID = nil
	u.StartedAt = nil
	u.RetryAt = nil
	if res.State != nil {
		u.State = res.State
	}

	switch {
	case runErr == nil:
		u.Attempts = 0
		u.RunAt = nextRunAt(inst, res, now)
	case !r.attemptsExhausted(inst.Attempts):
		u.RunAt = res.RunAt
		if u.RunAt.IsZero() {
			u.RunAt = now.Add(r.retryDelay(inst.Attempts))
		}
	case inst.IsRecurring():
		log.Warnw("recurring task used up its attempts, moving on to the next interval", "task", r.String())
		u.Attempts = 0
		u.RunAt = now.Add(inst.Schedule.Interval)
	default:
		log.Warnw("task failed for the last time", "task", r.String(), "attempts", inst.Attempts)
		u.Status = TaskStatusFailed
	}

	_, err := r.swap(ctx, inst, u, "saving result of task")
	return err
}

func nextRunAt(inst ConcreteTaskInstance, res RunResult, now time.Time) time.Time {
	if !res.RunAt.IsZero() {
		return res.RunAt
	}
	if inst.IsRecurring() {
		return now.Add(inst.Schedule.Interval)
	}
	return now
}

func (r *TaskRunner) swap(ctx context.Context, inst ConcreteTaskInstance, u TaskUpdate, what string) (bool, error) {
	updated, outcome, err := r.cfg.Store.CompareAndSwap(ctx, inst.ID, inst.Version, u)
	if xerrors.Is(err, ErrTaskNotFound) {
		log.Infow("task was removed while we held it", "task", r.String(), "while", what)
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("%s %s: %w", what, r.String(), err)
	}
	if outcome != CASApplied {
		log.Warnw("lost ownership of task", "task", r.String(), "while", what)
		return false, nil
	}
	r.setInstance(updated)
	return true, nil
}
