// Package metrics exposes the prometheus gauges and counters the
// scheduler, disk cache, and GC report through, superseding the
// teacher's docker/go-metrics-wrapped timers
// (registry/storage/cache/metrics/prom.go) with direct
// prometheus/client_golang registration — see DESIGN.md for why
// docker/go-metrics has no slot here.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BuildSlotsInUse tracks the scheduler's concurrent build-job admission
	// (spec.md §5's max-build-jobs bound).
	BuildSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildstore",
		Subsystem: "scheduler",
		Name:      "build_slots_in_use",
		Help:      "Number of build goals currently holding a build slot.",
	})

	// SubstitutionJobsInFlight tracks concurrent substitution goals.
	SubstitutionJobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildstore",
		Subsystem: "scheduler",
		Name:      "substitution_jobs_in_flight",
		Help:      "Number of substitution goals currently running a substituter child.",
	})

	// DiskCacheHits/Misses count E's positive/negative narinfo lookups.
	DiskCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildstore",
		Subsystem: "diskcache",
		Name:      "hits_total",
		Help:      "Disk cache lookups served from a fresh cache entry.",
	}, []string{"result"})

	DiskCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildstore",
		Subsystem: "diskcache",
		Name:      "misses_total",
		Help:      "Disk cache lookups with no fresh entry, requiring a remote fetch.",
	})

	// GCBytesFreed accumulates bytes reclaimed by Collect runs.
	GCBytesFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildstore",
		Subsystem: "gc",
		Name:      "bytes_freed_total",
		Help:      "Total bytes freed by garbage collection.",
	})

	// GCPathsDeleted accumulates paths removed by Collect runs.
	GCPathsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "buildstore",
		Subsystem: "gc",
		Name:      "paths_deleted_total",
		Help:      "Total store paths removed by garbage collection.",
	})
)

// MustRegister registers every metric in this package against reg. Call
// once at process start; a second call (e.g. in tests) against a fresh
// registry is also safe.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		BuildSlotsInUse,
		SubstitutionJobsInFlight,
		DiskCacheHits,
		DiskCacheMisses,
		GCBytesFreed,
		GCPathsDeleted,
	)
}
