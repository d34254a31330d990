package harmonydb

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/harmonytask/metrics"
)

// Statement kinds the task store issues, used as the op tag.
const (
	opFetchCandidates = "fetch_candidates"
	opCAS             = "cas"
	opGet             = "get"
	opInsert          = "insert"
	opRemove          = "remove"
	opList            = "list"
)

var (
	dbTag, _ = tag.NewKey("db_name")
	opTag, _ = tag.NewKey("op")

	pre = "harmonydb_task_"

	// milliseconds; a claim round trip should sit in the low buckets
	latencyBuckets = []float64{0, 1, 2, 5, 10, 20, 30, 50, 80, 130, 210, 340, 550, 890, 1440}
)

// DBMeasures groups the task store statement metrics.
var DBMeasures = struct {
	Statements      *stats.Int64Measure
	Latency         *stats.Float64Measure
	Latencies       *prometheus.HistogramVec
	Errors          *stats.Int64Measure
	CASConflicts    *stats.Int64Measure
	OpenConnections *stats.Int64Measure
}{
	Statements: stats.Int64(pre+"statements", "Statements run against the task table.", stats.UnitDimensionless),
	Latency:    stats.Float64(pre+"statement_latency", "Time a statement took, including the scan.", stats.UnitMilliseconds),
	Latencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    pre + "statement_latencies",
		Buckets: latencyBuckets,
		Help:    "Statement latencies in milliseconds by op, outside of opencensus.",
	}, []string{"op"}),
	Errors:          stats.Int64(pre+"errors", "Statements that failed. Duplicate inserts are not counted.", stats.UnitDimensionless),
	CASConflicts:    stats.Int64(pre+"cas_conflicts", "Version checked writes that found a newer version.", stats.UnitDimensionless),
	OpenConnections: stats.Int64(pre+"open_connections", "Open connections in the pool.", stats.UnitDimensionless),
}

var (
	StatementsView = &view.View{
		Measure:     DBMeasures.Statements,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{dbTag, opTag},
	}
	LatencyView = &view.View{
		Measure:     DBMeasures.Latency,
		Aggregation: view.Distribution(latencyBuckets[1:]...),
		TagKeys:     []tag.Key{dbTag, opTag},
	}
	ErrorsView = &view.View{
		Measure:     DBMeasures.Errors,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{dbTag, opTag},
	}
	CASConflictsView = &view.View{
		Measure:     DBMeasures.CASConflicts,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{dbTag, opTag},
	}
	OpenConnectionsView = &view.View{
		Measure:     DBMeasures.OpenConnections,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{dbTag},
	}
)

func init() {
	metrics.RegisterViews(StatementsView, LatencyView, ErrorsView, CASConflictsView, OpenConnectionsView)
	if err := prometheus.Register(DBMeasures.Latencies); err != nil {
		panic(err)
	}
}
