package harmonytask

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmony/resources"
	"github.com/filecoin-project/harmonytask/lib/result"
)

// Config tunes a TaskEngine. Zero fields take the values from DefaultConfig.
type Config struct {
	// PollInterval is the time between polls when nothing triggers one early.
	PollInterval time.Duration
	// MaxFillIterations caps back-to-back fills within one poll.
	MaxFillIterations int
	// MaxClaimBatch caps the tasks claimed in one fill. The batch also never
	// exceeds the pool's free capacity.
	MaxClaimBatch int
	// Capacity is how many tasks run at once. Zero sizes the pool to the
	// machine's CPU count.
	Capacity int
	// ClaimDuration is how long a claim is honoured before other instances
	// may take the task over.
	ClaimDuration time.Duration

	DefaultTimeout     time.Duration
	DefaultMaxAttempts int

	RetryMin    time.Duration
	RetryMax    time.Duration
	RetryFactor float64

	ClaimConcurrency int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:       3 * time.Second,
		MaxFillIterations:  4,
		MaxClaimBatch:      10,
		ClaimDuration:      30 * time.Second,
		DefaultTimeout:     5 * time.Minute,
		DefaultMaxAttempts: 3,
		RetryMin:           5 * time.Second,
		RetryMax:           10 * time.Minute,
		RetryFactor:        2,
		ClaimConcurrency:   defaultClaimConcurrency,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxFillIterations <= 0 {
		c.MaxFillIterations = def.MaxFillIterations
	}
	if c.MaxClaimBatch <= 0 {
		c.MaxClaimBatch = def.MaxClaimBatch
	}
	if c.Capacity <= 0 {
		c.Capacity = resources.Probe().Capacity(resources.Resources{})
	}
	if c.ClaimDuration <= 0 {
		c.ClaimDuration = def.ClaimDuration
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.DefaultMaxAttempts == 0 {
		c.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if c.RetryMin <= 0 {
		c.RetryMin = def.RetryMin
	}
	if c.RetryMax <= 0 {
		c.RetryMax = def.RetryMax
	}
	if c.RetryFactor <= 0 {
		c.RetryFactor = def.RetryFactor
	}
	if c.ClaimConcurrency <= 0 {
		c.ClaimConcurrency = def.ClaimConcurrency
	}
	return c
}

type Option func(*TaskEngine)

func WithClock(clk clock.Clock) Option {
	return func(e *TaskEngine) {
		e.clock = clk
	}
}

// WithOwnerID fixes the owner id instead of generating one. With a stable id
// a restarted instance releases tasks it still held when it went down.
func WithOwnerID(id string) Option {
	return func(e *TaskEngine) {
		e.ownerID = id
	}
}

// TaskEngine claims due tasks from a shared TaskStore and runs them on a
// bounded local pool. Any number of engines may share one store.
type TaskEngine struct {
	cfg     Config
	store   TaskStore
	defs    *TaskTypeDictionary
	clock   clock.Clock
	ownerID string

	claimer *TaskClaiming
	pool    *TaskPool
	poller  *TaskPoller
	runner  RunnerConfig

	ctx        context.Context
	grace      context.CancelFunc
	started    atomic.Bool
	pollerDone chan struct{}

	// set when the last fill could not place the whole batch; the next
	// completion then triggers a poll instead of waiting for the tick
	ranOutOfCapacity atomic.Bool

	fillCycles      atomic.Int64
	tasksClaimed    atomic.Int64
	tasksConflicted atomic.Int64
	claimFailures   atomic.Int64
	lastOutcome     atomic.Value
}

// New creates the engine. Note that TaskEngine knows nothing about the tasks
// themselves: work comes from the definitions registered in defs.
func New(cfg Config, store TaskStore, defs *TaskTypeDictionary, opts ...Option) (*TaskEngine, error) {
	if store == nil {
		return nil, xerrors.New("task engine needs a task store")
	}
	if defs == nil {
		return nil, xerrors.New("task engine needs a task type dictionary")
	}
	cfg = cfg.withDefaults()

	ctx, grace := context.WithCancel(context.Background())
	e := &TaskEngine{
		cfg:        cfg,
		store:      store,
		defs:       defs,
		clock:      clock.New(),
		ctx:        ctx,
		grace:      grace,
		pollerDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.ownerID == "" {
		e.ownerID = uuid.NewString()
	}
	e.lastOutcome.Store("")

	e.runner = RunnerConfig{
		Store:   store,
		Clock:   e.clock,
		OwnerID: e.ownerID,
		Backoff: &backoff.Backoff{
			Min:    cfg.RetryMin,
			Max:    cfg.RetryMax,
			Factor: cfg.RetryFactor,
			Jitter: true,
		},
		DefaultTimeout:     cfg.DefaultTimeout,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
	}
	e.claimer = NewTaskClaiming(store, e.ownerID,
		ClaimTaskTypes(defs.Types),
		ClaimConcurrency(cfg.ClaimConcurrency),
		ClaimClock(e.clock),
	)
	e.pool = NewTaskPool(cfg.Capacity, WithCompletionHook(e.taskDone))
	e.poller = NewTaskPoller(e.clock, cfg.PollInterval, cfg.MaxFillIterations, nil, e.fillOnce)

	return e, nil
}

func (e *TaskEngine) OwnerID() string {
	return e.ownerID
}

// Start releases tasks a previous run under the same owner id left behind,
// then starts polling. It returns once polling is underway.
func (e *TaskEngine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return xerrors.New("task engine already started")
	}
	if err := e.releaseOrphans(ctx); err != nil {
		log.Warnw("could not release all tasks held by a previous run", "owner", e.ownerID, "error", err)
	}

	go func() {
		defer close(e.pollerDone)
		e.poller.Run(e.ctx)
	}()

	log.Infow("task engine started",
		"owner", e.ownerID,
		"capacity", e.pool.Capacity(),
		"types", e.defs.Types(),
		"pollInterval", e.cfg.PollInterval)
	return nil
}

// GracefullyTerminate stops claiming and waits for running tasks to finish.
// Tasks still running after deadline are cancelled; their claims run out and
// another instance picks them up.
func (e *TaskEngine) GracefullyTerminate(deadline time.Duration) error {
	e.grace()
	if e.started.Load() {
		<-e.pollerDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	if err := e.pool.Shutdown(ctx); err != nil {
		return xerrors.Errorf("waiting for running tasks: %w", err)
	}
	return nil
}

// Trigger polls ahead of the next tick.
func (e *TaskEngine) Trigger() {
	e.poller.Trigger()
}

func (e *TaskEngine) taskDone(Runnable, error) {
	if e.ranOutOfCapacity.Load() {
		e.poller.Trigger()
	}
}

func (e *TaskEngine) convert(inst ConcreteTaskInstance) (Runnable, error) {
	def, ok := e.defs.Get(inst.TaskType)
	if !ok {
		return nil, xerrors.Errorf("converting task %s: %w", inst, ErrUnknownTaskType)
	}
	return NewTaskRunner(inst, def, e.runner), nil
}

func (e *TaskEngine) fillOnce(ctx context.Context) (FillCycle, error) {
	batch := min(e.cfg.MaxClaimBatch, e.pool.AvailableCapacity())
	fetch := func(ctx context.Context) (result.Result[ClaimOwnershipResult, FillPoolError], error) {
		return e.claimer.ClaimAvailableTasks(ctx, ClaimOpts{
			BatchSize:     batch,
			ClaimDuration: e.cfg.ClaimDuration,
		})
	}

	res, err := FillPool(ctx, fetch, e.convert, e.pool.Run)
	e.fillCycles.Add(1)
	if err != nil {
		e.lastOutcome.Store("error")
		return FillCycle{Requested: batch}, err
	}

	if r, ok := res.Value(); ok {
		e.ranOutOfCapacity.Store(r.Outcome == PoolRanOutOfCapacity)
		e.tasksClaimed.Add(int64(r.Stats.TasksClaimed))
		e.tasksConflicted.Add(int64(r.Stats.TasksConflicted))
		e.lastOutcome.Store(string(r.Outcome))
	}
	if f, isErr := res.ErrValue(); isErr {
		e.claimFailures.Add(1)
		e.lastOutcome.Store(string(f.Kind))
		log.Debugw("no tasks claimed", "reason", f.Kind, "batch", batch)
	}
	return FillCycle{Result: res, Requested: batch}, nil
}

func (e *TaskEngine) releaseOrphans(ctx context.Context) error {
	held, err := e.store.List(ctx, ListQuery{
		OwnerID:  e.ownerID,
		Statuses: []TaskStatus{TaskStatusClaiming, TaskStatusRunning},
	})
	if err != nil {
		return xerrors.Errorf("listing tasks held by %s: %w", e.ownerID, err)
	}

	var errs error
	for _, t := range held {
		u := t.Update()
		u.Status = TaskStatusIdle
		u.OwnerID = nil
		u.StartedAt = nil
		u.RetryAt = nil
		_, outcome, err := e.store.CompareAndSwap(ctx, t.ID, t.Version, u)
		if err != nil && !xerrors.Is(err, ErrTaskNotFound) {
			errs = multierr.Append(errs, xerrors.Errorf("releasing %s: %w", t, err))
			continue
		}
		log.Infow("released task held by a previous run", "task", t.String(), "status", t.Status, "outcome", outcome)
	}
	return errs
}

// Schedule stores a new task. Missing ids are generated and a zero RunAt
// means now.
func (e *TaskEngine) Schedule(ctx context.Context, t TaskInstance) (ConcreteTaskInstance, error) {
	if !e.defs.Has(t.TaskType) {
		return ConcreteTaskInstance{}, xerrors.Errorf("scheduling %q: %w", t.TaskType, ErrUnknownTaskType)
	}
	now := e.clock.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.RunAt.IsZero() {
		t.RunAt = now
	}
	if t.Params == nil {
		t.Params = map[string]any{}
	}
	if t.State == nil {
		t.State = map[string]any{}
	}

	stored, err := e.store.Insert(ctx, ConcreteTaskInstance{
		TaskInstance: t,
		Status:       TaskStatusIdle,
		ScheduledAt:  now,
	})
	if err != nil {
		return ConcreteTaskInstance{}, xerrors.Errorf("scheduling task %s: %w", t.ID, err)
	}
	log.Debugw("scheduled task", "task", stored.String(), "runAt", stored.RunAt)
	return stored, nil
}

// EnsureScheduled is Schedule that returns the stored task instead of an
// error when the id is already taken.
func (e *TaskEngine) EnsureScheduled(ctx context.Context, t TaskInstance) (ConcreteTaskInstance, error) {
	stored, err := e.Schedule(ctx, t)
	if xerrors.Is(err, ErrTaskAlreadyExists) {
		return e.store.Get(ctx, t.ID)
	}
	return stored, err
}

// RunSoon makes an idle task due now and polls.
func (e *TaskEngine) RunSoon(ctx context.Context, id string) (ConcreteTaskInstance, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return ConcreteTaskInstance{}, xerrors.Errorf("getting task %s: %w", id, err)
	}
	if t.Status != TaskStatusIdle {
		return ConcreteTaskInstance{}, xerrors.Errorf("task %s is %s, only idle tasks can be run soon", t, t.Status)
	}

	u := t.Update()
	u.RunAt = e.clock.Now()
	updated, outcome, err := e.store.CompareAndSwap(ctx, id, t.Version, u)
	if err != nil {
		return ConcreteTaskInstance{}, xerrors.Errorf("updating task %s: %w", t, err)
	}
	if outcome != CASApplied {
		return ConcreteTaskInstance{}, xerrors.Errorf("task %s changed while updating it, try again", t)
	}
	e.poller.Trigger()
	return updated, nil
}

func (e *TaskEngine) Remove(ctx context.Context, id string) error {
	return e.store.Remove(ctx, id)
}

func (e *TaskEngine) Get(ctx context.Context, id string) (ConcreteTaskInstance, error) {
	return e.store.Get(ctx, id)
}

func (e *TaskEngine) List(ctx context.Context, q ListQuery) ([]ConcreteTaskInstance, error) {
	return e.store.List(ctx, q)
}

type EngineStats struct {
	OwnerID   string
	Capacity  int
	Occupancy int
	Running   []string

	FillCycles      int64
	TasksClaimed    int64
	TasksConflicted int64
	ClaimFailures   int64
	LastOutcome     string
}

func (e *TaskEngine) Stats() EngineStats {
	return EngineStats{
		OwnerID:         e.ownerID,
		Capacity:        e.pool.Capacity(),
		Occupancy:       e.pool.Occupancy(),
		Running:         e.pool.RunningIDs(),
		FillCycles:      e.fillCycles.Load(),
		TasksClaimed:    e.tasksClaimed.Load(),
		TasksConflicted: e.tasksConflicted.Load(),
		ClaimFailures:   e.claimFailures.Load(),
		LastOutcome:     e.lastOutcome.Load().(string),
	}
}
