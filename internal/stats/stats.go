package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	cycleResult   string
	attemptResult string
	startResult   string
)

const (
	Namespace = "devbox"

	CycleOK          cycleResult = "ok"
	CycleUnreachable cycleResult = "fleet_unreachable"
	CycleStoreError  cycleResult = "store_error"

	AttemptClaimed attemptResult = "claimed"
	AttemptFull    attemptResult = "full"
	AttemptStale   attemptResult = "stale"

	StartOK     startResult = "ok"
	StartFailed startResult = "failed"
)

var (
	monitorCycleCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "monitor",
		Name:      "cycle_count_total",
		Help:      "Counter of monitor cycles by result.",
	}, []string{"result"})

	monitorCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "monitor",
		Name:      "cycle_duration_second",
		Help:      "Histogram of time (in seconds) each monitor cycle takes.",
	})

	monitorOccupancyFailureCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "monitor",
		Name:      "occupancy_failure_count_total",
		Help:      "Counter of workers whose occupancy query failed.",
	})

	monitorPublishedWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "monitor",
		Name:      "published_workers",
		Help:      "Number of workers published in the last cycle.",
	})

	allocatorAttemptCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "allocator",
		Name:      "attempt_count_total",
		Help:      "Counter of allocation attempts by outcome.",
	}, []string{"result"})

	allocatorExhaustedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "allocator",
		Name:      "capacity_exhausted_count_total",
		Help:      "Counter of selections that found no capacity.",
	})

	directorStartCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "director",
		Name:      "container_start_count_total",
		Help:      "Counter of container start requests by result.",
	}, []string{"result"})

	directorStartDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "director",
		Name:      "container_start_duration_second",
		Help:      "Histogram of time (in seconds) each container start takes.",
	})

	directorStickyHitCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "director",
		Name:      "sticky_hit_count_total",
		Help:      "Counter of requests served from an existing assignment.",
	})
)

func init() {
	prometheus.MustRegister(monitorCycleCount)
	prometheus.MustRegister(monitorCycleDuration)
	prometheus.MustRegister(monitorOccupancyFailureCount)
	prometheus.MustRegister(monitorPublishedWorkers)
	prometheus.MustRegister(allocatorAttemptCount)
	prometheus.MustRegister(allocatorExhaustedCount)
	prometheus.MustRegister(directorStartCount)
	prometheus.MustRegister(directorStartDuration)
	prometheus.MustRegister(directorStickyHitCount)
}

func MonitorCycle(result cycleResult, start time.Time) {
	monitorCycleCount.WithLabelValues(string(result)).Inc()
	monitorCycleDuration.Observe(time.Since(start).Seconds())
}

func OccupancyFailures(n int) {
	monitorOccupancyFailureCount.Add(float64(n))
}

func PublishedWorkers(n int) {
	monitorPublishedWorkers.Set(float64(n))
}

func AllocationAttempt(result attemptResult) {
	allocatorAttemptCount.WithLabelValues(string(result)).Inc()
}

func CapacityExhausted() {
	allocatorExhaustedCount.Inc()
}

func ContainerStart(result startResult, start time.Time) {
	directorStartCount.WithLabelValues(string(result)).Inc()
	directorStartDuration.Observe(time.Since(start).Seconds())
}

func StickyHit() {
	directorStickyHitCount.Inc()
}
