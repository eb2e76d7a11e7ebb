package metrics

import (
	"time"

	"github.com/renderloop/renderq/pkg/types"
)

// QueueStats is the queue surface the collector reads.
type QueueStats interface {
	Depths() map[types.Priority]int
	DeadLetterSize() int
}

// PoolStats is the pool surface the collector reads.
type PoolStats interface {
	Workers() []types.WorkerInfo
}

// ExecutorStats is the executor surface the collector reads.
type ExecutorStats interface {
	ActiveCount() int
}

// SensorStats is the sensor surface the collector reads.
type SensorStats interface {
	Last() types.ResourceSnapshot
}

// BusStats is the progress bus surface the collector reads.
type BusStats interface {
	SubscriberCount() int
}

// Collector periodically copies component state into the Prometheus
// gauges.
type Collector struct {
	queue    QueueStats
	pool     PoolStats
	executor ExecutorStats
	sensor   SensorStats
	bus      BusStats
	stopCh   chan struct{}
}

// NewCollector creates a collector over the observable components.
func NewCollector(queue QueueStats, pool PoolStats, executor ExecutorStats, sensor SensorStats, bus BusStats) *Collector {
	return &Collector{
		queue:    queue,
		pool:     pool,
		executor: executor,
		sensor:   sensor,
		bus:      bus,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectQueueMetrics()
	c.collectWorkerMetrics()
	c.collectResourceMetrics()

	ActiveJobs.Set(float64(c.executor.ActiveCount()))
	WSSubscribers.Set(float64(c.bus.SubscriberCount()))
}

func (c *Collector) collectQueueMetrics() {
	for priority, depth := range c.queue.Depths() {
		QueueDepth.WithLabelValues(string(priority)).Set(float64(depth))
	}
	DeadLetterSize.Set(float64(c.queue.DeadLetterSize()))
}

func (c *Collector) collectWorkerMetrics() {
	counts := make(map[types.WorkerState]int)
	for _, w := range c.pool.Workers() {
		counts[w.State]++
	}

	// Zero every known state first so departed workers disappear.
	states := []types.WorkerState{
		types.WorkerStateIdle,
		types.WorkerStateProcessing,
		types.WorkerStatePaused,
		types.WorkerStateStopping,
		types.WorkerStateError,
	}
	for _, state := range states {
		WorkersTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectResourceMetrics() {
	snap := c.sensor.Last()
	HostCPUPercent.Set(snap.CPUPercent)
	HostMemPercent.Set(snap.MemPercent)
	HostDiskPercent.Set(snap.DiskPercent)
	if snap.GPUUsedMB != nil {
		GPUMemUsedMB.Set(*snap.GPUUsedMB)
	}
}
