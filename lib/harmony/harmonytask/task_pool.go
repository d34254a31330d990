package harmonytask

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/metrics"
)

var ErrPoolStopped = xerrors.New("task pool is stopped")

type TaskPoolRunResult int

const (
	// RunningAllClaimedTasks means every runnable handed to Run was admitted.
	RunningAllClaimedTasks TaskPoolRunResult = iota
	// RanOutOfCapacity means capacity ran out before the whole batch fit.
	RanOutOfCapacity
)

func (r TaskPoolRunResult) String() string {
	switch r {
	case RunningAllClaimedTasks:
		return "RunningAllClaimedTasks"
	case RanOutOfCapacity:
		return "RanOutOfCapacity"
	default:
		return "Unknown"
	}
}

// Runnable is a unit the pool can execute.
type Runnable interface {
	ID() string
	Run(ctx context.Context) error
}

type timeoutRunnable interface {
	Timeout() time.Duration
}

type runningTask struct {
	r       Runnable
	started time.Time
}

// TaskPool runs at most capacity runnables at once. Admission and release
// both go through the occupied counter; admission uses compare-and-swap so
// concurrent Run calls never over-admit.
type TaskPool struct {
	capacity int32
	occupied atomic.Int32
	running  *xsync.MapOf[string, *runningTask]

	ctx  context.Context
	stop context.CancelFunc

	lk      sync.RWMutex // guards stopped against wg.Add
	stopped bool
	wg      sync.WaitGroup

	onComplete func(Runnable, error)
}

type PoolOption func(*TaskPool)

// WithCompletionHook is called after every admitted runnable returns, once
// its capacity has been released.
func WithCompletionHook(f func(Runnable, error)) PoolOption {
	return func(p *TaskPool) {
		p.onComplete = f
	}
}

func NewTaskPool(capacity int, opts ...PoolOption) *TaskPool {
	if capacity < 0 {
		capacity = 0
	}
	ctx, stop := context.WithCancel(context.Background())
	p := &TaskPool{
		capacity: int32(capacity),
		running:  xsync.NewMapOf[*runningTask](),
		ctx:      ctx,
		stop:     stop,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *TaskPool) Capacity() int {
	return int(p.capacity)
}

func (p *TaskPool) Occupancy() int {
	return int(p.occupied.Load())
}

func (p *TaskPool) AvailableCapacity() int {
	free := p.capacity - p.occupied.Load()
	if free < 0 {
		return 0
	}
	return int(free)
}

// RunningIDs lists the ids currently executing, in no particular order.
func (p *TaskPool) RunningIDs() []string {
	ids := make([]string, 0, p.running.Size())
	p.running.Range(func(id string, _ *runningTask) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Run admits runnables in order while capacity lasts and starts each one on
// its own goroutine. It returns as soon as the admission decision is made.
func (p *TaskPool) Run(ctx context.Context, runnables []Runnable) (TaskPoolRunResult, error) {
	p.lk.RLock()
	defer p.lk.RUnlock()
	if p.stopped {
		return RanOutOfCapacity, ErrPoolStopped
	}

	defer func() {
		stats.Record(ctx, metrics.PoolOccupancy.M(int64(p.Occupancy())))
	}()

	for i, r := range runnables {
		if !p.reserve() {
			log.Debugw("task pool ran out of capacity",
				"capacity", p.capacity, "admitted", i, "left", len(runnables)-i)
			return RanOutOfCapacity, nil
		}
		if !p.start(r) {
			p.release()
		}
	}
	return RunningAllClaimedTasks, nil
}

func (p *TaskPool) reserve() bool {
	for {
		cur := p.occupied.Load()
		if cur >= p.capacity {
			return false
		}
		if p.occupied.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (p *TaskPool) release() {
	p.occupied.Add(-1)
}

func (p *TaskPool) start(r Runnable) bool {
	id := r.ID()
	if _, loaded := p.running.LoadOrStore(id, &runningTask{r: r, started: time.Now()}); loaded {
		log.Warnw("task is already running in this pool, not starting it twice", "id", id)
		return false
	}

	taskCtx, cancel := context.WithCancel(p.ctx)
	if tr, ok := r.(timeoutRunnable); ok && tr.Timeout() > 0 {
		cancel()
		taskCtx, cancel = context.WithTimeout(p.ctx, tr.Timeout())
	}

	p.wg.Add(1)
	go func() {
		var err error
		defer p.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				stackSlice := make([]byte, 4092)
				sz := runtime.Stack(stackSlice, false)
				log.Errorw("Recovered from a serious error while running task",
					"id", id, "panic", rec, "stack", string(stackSlice[:sz]))
				err = xerrors.Errorf("task %s panicked: %v", id, rec)
			}
			cancel()
			p.running.Delete(id)
			p.release()
			if err != nil {
				log.Warnw("task run returned error", "id", id, "error", err)
			}
			if p.onComplete != nil {
				p.onComplete(r, err)
			}
		}()

		err = r.Run(taskCtx)
	}()
	return true
}

// Shutdown stops admission and waits for running tasks. If ctx ends first,
// running tasks are cancelled and Shutdown returns without waiting further;
// whatever they leave unfinished will be reclaimed once their RetryAt passes.
func (p *TaskPool) Shutdown(ctx context.Context) error {
	p.lk.Lock()
	p.stopped = true
	p.lk.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.stop()
		return nil
	case <-ctx.Done():
		log.Warnw("task pool shutdown deadline reached, cancelling running tasks", "running", p.RunningIDs())
		p.stop()
		return ctx.Err()
	}
}
