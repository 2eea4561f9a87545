package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Volume metrics
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quarry_volumes_total",
			Help: "Number of volumes in the directory by state",
		},
		[]string{"state"},
	)

	VolumeCreateFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_volume_create_failures_total",
			Help: "Total number of failed volume creations",
		},
	)

	OutstandingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_outstanding_requests",
			Help: "Service-wide in-flight volume-affecting requests",
		},
	)

	// GC reaper metrics
	GCSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_gc_sweeps_total",
			Help: "Total number of garbage-collection sweeps",
		},
	)

	GCReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_gc_reclaimed_total",
			Help: "Total number of volumes reclaimed by the GC sweep",
		},
	)

	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_gc_sweep_duration_seconds",
			Help:    "Duration of garbage-collection sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Service metrics
	BootCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_boot_count",
			Help: "Boot counter from the service superblock",
		},
	)

	ShutdownDrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_shutdown_drain_duration_seconds",
			Help:    "Time spent waiting for the shutdown drain predicate",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	CapacityTotalBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_capacity_total_bytes",
			Help: "Total engine capacity in bytes",
		},
	)

	CapacityUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_capacity_used_bytes",
			Help: "Used engine capacity in bytes",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(VolumeCreateFailures)
	prometheus.MustRegister(OutstandingRequests)
	prometheus.MustRegister(GCSweepsTotal)
	prometheus.MustRegister(GCReclaimedTotal)
	prometheus.MustRegister(GCSweepDuration)
	prometheus.MustRegister(BootCount)
	prometheus.MustRegister(ShutdownDrainDuration)
	prometheus.MustRegister(CapacityTotalBytes)
	prometheus.MustRegister(CapacityUsedBytes)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
