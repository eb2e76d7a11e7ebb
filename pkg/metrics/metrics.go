package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renderq_queue_depth",
			Help: "Number of queued jobs by priority segment",
		},
		[]string{"priority"},
	)

	DeadLetterSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderq_dead_letter_size",
			Help: "Number of jobs parked in the dead letter bucket",
		},
	)

	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderq_jobs_enqueued_total",
			Help: "Total number of jobs accepted into the queue",
		},
	)

	JobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderq_job_outcomes_total",
			Help: "Total number of jobs reaching a terminal state by outcome",
		},
		[]string{"outcome"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renderq_workers_total",
			Help: "Number of pool workers by state",
		},
		[]string{"state"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderq_active_jobs",
			Help: "Number of jobs currently executing",
		},
	)

	// Resource metrics
	HostCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderq_host_cpu_percent",
			Help: "Host CPU utilization percentage",
		},
	)

	HostMemPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderq_host_mem_percent",
			Help: "Host memory utilization percentage",
		},
	)

	HostDiskPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderq_host_disk_percent",
			Help: "Host disk utilization percentage for the data path",
		},
	)

	GPUMemUsedMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderq_gpu_mem_used_mb",
			Help: "GPU memory in use, in megabytes (absent without GPU sensing)",
		},
	)

	// WebSocket metrics
	WSSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderq_ws_subscribers",
			Help: "Number of connected WebSocket subscribers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderq_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderq_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renderq_execution_duration_seconds",
			Help:    "End-to-end job execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DeadLetterSize)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobOutcomes)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(HostCPUPercent)
	prometheus.MustRegister(HostMemPercent)
	prometheus.MustRegister(HostDiskPercent)
	prometheus.MustRegister(GPUMemUsedMB)
	prometheus.MustRegister(WSSubscribers)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ExecutionDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
