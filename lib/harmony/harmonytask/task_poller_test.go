package harmonytask

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/result"
)

func cycle(outcome FillPoolOutcome, claimed, requested int) FillCycle {
	return FillCycle{
		Result:    result.Ok[FillPoolResult, FillPoolError](FillPoolResult{Outcome: outcome, Stats: ClaimStats{TasksClaimed: claimed}}),
		Requested: requested,
	}
}

type scriptedFill struct {
	cycles []FillCycle
	errs   []error
	calls  int
}

func (s *scriptedFill) fill(context.Context) (FillCycle, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return FillCycle{}, s.errs[i]
	}
	if i < len(s.cycles) {
		return s.cycles[i], nil
	}
	return cycle(NoTasksClaimed, 0, 10), nil
}

func TestPollerRefillsWhileBatchesAreFull(t *testing.T) {
	s := &scriptedFill{cycles: []FillCycle{
		cycle(PoolRunningAllClaimedTasks, 10, 10),
		cycle(PoolRunningAllClaimedTasks, 10, 10),
		cycle(PoolRunningAllClaimedTasks, 4, 10),
	}}
	p := NewTaskPoller(clock.NewMock(), time.Second, 10, nil, s.fill)
	require.NoError(t, p.Tick(context.Background()))
	require.Equal(t, 3, s.calls)
}

func TestPollerBoundsIterations(t *testing.T) {
	full := cycle(PoolRunningAllClaimedTasks, 5, 5)
	s := &scriptedFill{cycles: []FillCycle{full, full, full, full, full, full}}
	p := NewTaskPoller(clock.NewMock(), time.Second, 3, nil, s.fill)
	require.NoError(t, p.Tick(context.Background()))
	require.Equal(t, 3, s.calls)
}

func TestPollerStopsOnBackpressure(t *testing.T) {
	for name, c := range map[string]FillCycle{
		"ran out of capacity": cycle(PoolRanOutOfCapacity, 5, 5),
		"no tasks":            cycle(NoTasksClaimed, 0, 5),
		"claim failure": {
			Result:    result.Err[FillPoolResult](FillPoolError{Kind: FillPoolNoAvailableWorkers}),
			Requested: 0,
		},
	} {
		t.Run(name, func(t *testing.T) {
			s := &scriptedFill{cycles: []FillCycle{c, cycle(PoolRunningAllClaimedTasks, 5, 5)}}
			p := NewTaskPoller(clock.NewMock(), time.Second, 10, nil, s.fill)
			require.NoError(t, p.Tick(context.Background()))
			require.Equal(t, 1, s.calls)
		})
	}
}

func TestPollerReturnsFillErrors(t *testing.T) {
	boom := xerrors.New("store down")
	s := &scriptedFill{errs: []error{boom}}
	p := NewTaskPoller(clock.NewMock(), time.Second, 10, nil, s.fill)
	require.Equal(t, boom, p.Tick(context.Background()))
	require.Equal(t, 1, s.calls)
}

func TestPollerBacksOffAfterErrors(t *testing.T) {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2}
	p := NewTaskPoller(clock.NewMock(), 3*time.Second, 1, b, nil)
	ctx := context.Background()

	boom := xerrors.New("boom")
	require.Equal(t, 4*time.Second, p.next(ctx, boom))
	require.Equal(t, 5*time.Second, p.next(ctx, boom))
	require.Equal(t, 7*time.Second, p.next(ctx, boom))
	require.Equal(t, 3*time.Second, p.next(ctx, nil))
	require.Equal(t, 4*time.Second, p.next(ctx, boom))
}

func TestPollerTrigger(t *testing.T) {
	var calls atomic.Int32
	polled := make(chan struct{}, 10)
	fill := func(context.Context) (FillCycle, error) {
		calls.Add(1)
		polled <- struct{}{}
		return cycle(NoTasksClaimed, 0, 1), nil
	}

	// a mock clock that is never advanced: only triggers cause polls
	p := NewTaskPoller(clock.NewMock(), time.Hour, 1, nil, fill)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	<-polled // initial poll
	p.Trigger()
	<-polled
	p.Trigger()
	<-polled

	cancel()
	<-done
	require.Equal(t, int32(3), calls.Load())
}
