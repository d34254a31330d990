package harmonytask

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type blockingRunnable struct {
	id      string
	release chan struct{}
	started chan struct{}
	ran     atomic.Int32
}

func newBlocking(id string) *blockingRunnable {
	return &blockingRunnable{id: id, release: make(chan struct{}), started: make(chan struct{}, 1)}
}

func (b *blockingRunnable) ID() string { return b.id }

func (b *blockingRunnable) Run(ctx context.Context) error {
	b.ran.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runnables(rs ...*blockingRunnable) []Runnable {
	out := make([]Runnable, len(rs))
	for i, r := range rs {
		out[i] = r
	}
	return out
}

func TestPoolZeroCapacity(t *testing.T) {
	ctx := context.Background()
	p := NewTaskPool(0)

	res, err := p.Run(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, RunningAllClaimedTasks, res)

	x := newBlocking("x")
	res, err = p.Run(ctx, runnables(x))
	require.NoError(t, err)
	require.Equal(t, RanOutOfCapacity, res)
	require.Zero(t, p.Occupancy())
	require.Zero(t, x.ran.Load())
}

func TestPoolAdmitsAllWithinCapacity(t *testing.T) {
	ctx := context.Background()
	p := NewTaskPool(3)
	a, b := newBlocking("a"), newBlocking("b")

	res, err := p.Run(ctx, runnables(a, b))
	require.NoError(t, err)
	require.Equal(t, RunningAllClaimedTasks, res)
	<-a.started
	<-b.started
	require.Equal(t, 2, p.Occupancy())
	require.Equal(t, 1, p.AvailableCapacity())
	require.ElementsMatch(t, []string{"a", "b"}, p.RunningIDs())

	close(a.release)
	close(b.release)
	require.Eventually(t, func() bool { return p.Occupancy() == 0 }, time.Second, time.Millisecond)
	require.Empty(t, p.RunningIDs())
}

func TestPoolGreedyAdmissionInOrder(t *testing.T) {
	ctx := context.Background()
	p := NewTaskPool(2)
	a, b, c := newBlocking("a"), newBlocking("b"), newBlocking("c")

	res, err := p.Run(ctx, runnables(a, b, c))
	require.NoError(t, err)
	require.Equal(t, RanOutOfCapacity, res)
	<-a.started
	<-b.started
	require.Zero(t, c.ran.Load())
	require.Equal(t, 2, p.Occupancy())

	// capacity comes back as tasks complete
	close(a.release)
	require.Eventually(t, func() bool { return p.AvailableCapacity() == 1 }, time.Second, time.Millisecond)

	res, err = p.Run(ctx, runnables(c))
	require.NoError(t, err)
	require.Equal(t, RunningAllClaimedTasks, res)
	<-c.started

	close(b.release)
	close(c.release)
	require.NoError(t, p.Shutdown(ctx))
}

func TestPoolNeverOverAdmits(t *testing.T) {
	ctx := context.Background()
	const capacity = 5
	p := NewTaskPool(capacity)

	var all []*blockingRunnable
	var lk sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var batch []*blockingRunnable
			for i := 0; i < 3; i++ {
				batch = append(batch, newBlocking(fmt.Sprintf("w%d-%d", w, i)))
			}
			lk.Lock()
			all = append(all, batch...)
			lk.Unlock()
			if _, err := p.Run(ctx, runnables(batch...)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, capacity, p.Occupancy())
	started := 0
	for _, r := range all {
		started += int(r.ran.Load())
	}
	require.LessOrEqual(t, started, capacity)

	for _, r := range all {
		close(r.release)
	}
	require.NoError(t, p.Shutdown(ctx))
	require.Zero(t, p.Occupancy())
}

func TestPoolSkipsDuplicateID(t *testing.T) {
	ctx := context.Background()
	p := NewTaskPool(4)
	a := newBlocking("a")
	dup := newBlocking("a")

	res, err := p.Run(ctx, runnables(a, dup))
	require.NoError(t, err)
	require.Equal(t, RunningAllClaimedTasks, res)
	<-a.started
	require.Equal(t, 1, p.Occupancy())
	require.Zero(t, dup.ran.Load())

	close(a.release)
	require.NoError(t, p.Shutdown(ctx))
}

type panicRunnable struct{}

func (panicRunnable) ID() string                { return "panics" }
func (panicRunnable) Run(context.Context) error { panic("boom") }

func TestPoolRecoversPanicAndReleases(t *testing.T) {
	done := make(chan error, 1)
	p := NewTaskPool(1, WithCompletionHook(func(_ Runnable, err error) { done <- err }))

	_, err := p.Run(context.Background(), []Runnable{panicRunnable{}})
	require.NoError(t, err)

	err = <-done
	require.ErrorContains(t, err, "panicked")
	require.Zero(t, p.Occupancy())
}

func TestPoolShutdownCancelsOnDeadline(t *testing.T) {
	p := NewTaskPool(1)
	a := newBlocking("a")
	_, err := p.Run(context.Background(), runnables(a))
	require.NoError(t, err)
	<-a.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool { return p.Occupancy() == 0 }, time.Second, time.Millisecond)

	_, err = p.Run(context.Background(), runnables(newBlocking("b")))
	require.ErrorIs(t, err, ErrPoolStopped)
}

type timeoutRunnableImpl struct {
	timeout time.Duration
	err     chan error
}

func (r *timeoutRunnableImpl) ID() string             { return "t" }
func (r *timeoutRunnableImpl) Timeout() time.Duration { return r.timeout }
func (r *timeoutRunnableImpl) Run(ctx context.Context) error {
	<-ctx.Done()
	r.err <- ctx.Err()
	return ctx.Err()
}

func TestPoolAppliesRunnableTimeout(t *testing.T) {
	p := NewTaskPool(1)
	r := &timeoutRunnableImpl{timeout: 5 * time.Millisecond, err: make(chan error, 1)}
	_, err := p.Run(context.Background(), []Runnable{r})
	require.NoError(t, err)
	require.ErrorIs(t, <-r.err, context.DeadlineExceeded)
}
