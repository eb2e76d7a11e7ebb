/*
Package metrics provides Prometheus metrics collection and exposition
for the render queue.

The package defines and registers every metric with the Prometheus
client library at init, giving observability into queue backlog, worker
pool activity, job outcomes, host utilization, and API latency. Metrics
are exposed over HTTP for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ─────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Collector                      │          │
	│  │  - 15s cadence                              │          │
	│  │  - Reads queue depths, dead letter size     │          │
	│  │  - Reads worker states, active job count    │          │
	│  │  - Reads last sensor snapshot               │          │
	│  │  - Reads WebSocket subscriber count         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Metrics Catalog

Queue:

	renderq_queue_depth{priority}      queued jobs per segment
	renderq_dead_letter_size           parked jobs
	renderq_jobs_enqueued_total        jobs accepted
	renderq_job_outcomes_total{outcome} terminal states reached

Workers:

	renderq_workers_total{state}       pool workers by state
	renderq_active_jobs                jobs currently executing

Host:

	renderq_host_cpu_percent           CPU utilization
	renderq_host_mem_percent           memory utilization
	renderq_host_disk_percent          data-path disk utilization
	renderq_gpu_mem_used_mb            GPU memory in use

API:

	renderq_api_requests_total{method,status}
	renderq_api_request_duration_seconds{method}
	renderq_execution_duration_seconds
	renderq_ws_subscribers

# Health Checks

The package also carries the component health registry backing /health,
/ready and /live: components report their status with
RegisterComponent/UpdateComponent, readiness requires the queue, pool
and api components to be healthy, and liveness answers whenever the
process runs.

# Usage

Counters and gauges are updated at the call sites that own the fact
(the queue bumps enqueue counts, the executor observes durations); the
Collector periodically copies derived state from components that expose
read-only views.
*/
package metrics
