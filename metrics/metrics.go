package metrics

import (
	"net/http"
	"sync"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, // Very short intervals for fast operations
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100, // 10 ms intervals up to 100 ms
	150, 200, 250, 300, 350, 400, 450, 500, // 50 ms intervals from 100 to 500 ms
	600, 700, 800, 900, 1000,
	2000, 3000, 5000, 10000, 30000, 60000,
)

var workMillisecondsDistribution = view.Distribution(
	10, 50, 100, 250, 500, 1000, 2000, 5000, 10_000, 30_000, 60_000,
	2*60_000, 5*60_000, 10*60_000, 15*60_000, 30*60_000, 60*60_000,
)

var batchSizeDistribution = view.Distribution(0, 1, 2, 3, 5, 7, 10, 15, 25, 35, 50, 70, 100, 200, 500, 1000)

// Tags
var (
	TaskType, _ = tag.NewKey("task_type")
	Outcome, _  = tag.NewKey("outcome")
)

// Measures
var (
	ClaimDuration   = stats.Float64("harmonytask/claim_duration_ms", "Duration of a claim cycle", stats.UnitMilliseconds)
	TasksClaimed    = stats.Int64("harmonytask/tasks_claimed", "Tasks kept by a claim cycle", stats.UnitDimensionless)
	TasksConflicted = stats.Int64("harmonytask/tasks_conflicted", "Claims lost to another owner in a claim cycle", stats.UnitDimensionless)
	PoolOccupancy   = stats.Int64("harmonytask/pool_occupancy", "Tasks running in the local pool", stats.UnitDimensionless)
	TaskRunDuration = stats.Float64("harmonytask/task_run_ms", "Duration of a task handler run", stats.UnitMilliseconds)
	FillCycles      = stats.Int64("harmonytask/fill_cycles", "Fill cycles by result", stats.UnitDimensionless)
)

var (
	ClaimDurationView = &view.View{
		Measure:     ClaimDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	TasksClaimedView = &view.View{
		Measure:     TasksClaimed,
		Aggregation: view.Sum(),
	}
	TasksClaimedPerCycleView = &view.View{
		Name:        "harmonytask/tasks_claimed_per_cycle",
		Measure:     TasksClaimed,
		Aggregation: batchSizeDistribution,
	}
	TasksConflictedView = &view.View{
		Measure:     TasksConflicted,
		Aggregation: view.Sum(),
	}
	PoolOccupancyView = &view.View{
		Measure:     PoolOccupancy,
		Aggregation: view.LastValue(),
	}
	TaskRunsView = &view.View{
		Name:        "harmonytask/task_runs",
		Measure:     TaskRunDuration,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{TaskType, Outcome},
	}
	TaskRunDurationView = &view.View{
		Measure:     TaskRunDuration,
		Aggregation: workMillisecondsDistribution,
		TagKeys:     []tag.Key{TaskType},
	}
	FillCyclesView = &view.View{
		Measure:     FillCycles,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Outcome},
	}
)

var views = []*view.View{
	ClaimDurationView,
	TasksClaimedView,
	TasksClaimedPerCycleView,
	TasksConflictedView,
	PoolOccupancyView,
	TaskRunsView,
	TaskRunDurationView,
	FillCyclesView,
}

var viewsLk sync.Mutex

// DefaultViews returns the views registered so far.
func DefaultViews() []*view.View {
	viewsLk.Lock()
	defer viewsLk.Unlock()
	return append([]*view.View(nil), views...)
}

// RegisterViews adds views to the default list without modifying this file.
func RegisterViews(v ...*view.View) {
	viewsLk.Lock()
	defer viewsLk.Unlock()
	views = append(views, v...)
}

var (
	exportersLk sync.Mutex
	exporters   = map[string]*prometheus.Exporter{}
)

// Exporter registers the default views and returns an http handler serving
// them, and everything on the default prometheus registry, in prometheus
// text format. Exporters are made once per namespace; later calls return the
// same one.
func Exporter(namespace string) (http.Handler, error) {
	exportersLk.Lock()
	defer exportersLk.Unlock()

	if e, ok := exporters[namespace]; ok {
		return e, nil
	}

	if err := view.Register(DefaultViews()...); err != nil {
		return nil, err
	}
	registry := promclient.DefaultRegisterer.(*promclient.Registry)
	e, err := prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: namespace,
	})
	if err != nil {
		return nil, err
	}
	exporters[namespace] = e
	return e, nil
}

func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return Milliseconds(time.Since(startTime))
}
