package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/types"
)

// Executor is the job execution surface workers drive.
type Executor interface {
	CanAccept() bool
	Execute(ctx context.Context, job *types.Job) error
}

// JobSource hands out eligible jobs and reports backlog depth.
type JobSource interface {
	Dequeue() (*types.Job, error)
	Depth() int
}

// ResourceSensor supplies the utilization readings the scaler consults.
type ResourceSensor interface {
	Sample() types.ResourceSnapshot
}

// Config tunes the pool.
type Config struct {
	MinWorkers     int
	MaxWorkers     int
	ScaleThreshold int
	PollInterval   time.Duration
	ScaleInterval  time.Duration

	// Scale-up ceilings; no new worker when the host is already busy.
	ScaleUpCPUMax float64
	ScaleUpMemMax float64
}

// DefaultConfig returns pool settings matching the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:     1,
		MaxWorkers:     4,
		ScaleThreshold: 5,
		PollInterval:   500 * time.Millisecond,
		ScaleInterval:  10 * time.Second,
		ScaleUpCPUMax:  80,
		ScaleUpMemMax:  70,
	}
}

const (
	removeWait = 10 * time.Second
	stopGrace  = 2 * time.Second
)

type worker struct {
	id        string
	state     types.WorkerState
	paused    bool
	stopCh    chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
	jobID     string
	completed uint64
	failed    uint64
	createdAt time.Time
}

// Pool owns a bounded set of cooperative workers plus a background
// scaler. Worker records are mutated only under the pool lock.
type Pool struct {
	cfg    Config
	queue  JobSource
	exec   Executor
	sensor ResourceSensor
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	seq     int
	started bool

	scalerStop chan struct{}
	scalerDone chan struct{}
}

// New assembles a pool over its collaborators.
func New(cfg Config, queue JobSource, exec Executor, sensor ResourceSensor) *Pool {
	return &Pool{
		cfg:     cfg,
		queue:   queue,
		exec:    exec,
		sensor:  sensor,
		logger:  log.WithComponent("pool"),
		workers: make(map[string]*worker),
	}
}

// Start launches the minimum worker count and the scaler.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	p.scalerStop = make(chan struct{})
	p.scalerDone = make(chan struct{})
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	go p.runScaler()
	p.logger.Info().Int("workers", p.cfg.MinWorkers).Msg("worker pool started")
	return nil
}

// Add launches one worker; refused at the maximum.
func (p *Pool) Add() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) >= p.cfg.MaxWorkers {
		return "", types.NewError(types.ErrCapacity, "pool already at max workers (%d)", p.cfg.MaxWorkers)
	}
	w := p.spawnLocked()
	return w.id, nil
}

// Remove stops one worker; refused at the minimum. Waits up to ten
// seconds for the worker to finish its current job, then force-cancels.
func (p *Pool) Remove(workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return types.NewError(types.ErrNotFound, "worker not found: %s", workerID)
	}
	if len(p.workers) <= p.cfg.MinWorkers {
		p.mu.Unlock()
		return types.NewError(types.ErrCapacity, "pool already at min workers (%d)", p.cfg.MinWorkers)
	}
	w.state = types.WorkerStateStopping
	close(w.stopCh)
	p.mu.Unlock()

	select {
	case <-w.done:
	case <-time.After(removeWait):
		p.mu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		p.mu.Unlock()
		<-w.done
	}

	p.mu.Lock()
	delete(p.workers, workerID)
	p.mu.Unlock()
	p.logger.Info().Str("worker_id", workerID).Msg("worker removed")
	return nil
}

// PauseAll makes every worker skip dequeuing until resumed.
func (p *Pool) PauseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.paused = true
	}
	p.logger.Info().Msg("workers paused")
}

// ResumeAll clears the paused flag on every worker.
func (p *Pool) ResumeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.paused = false
	}
	p.logger.Info().Msg("workers resumed")
}

// Stop shuts the pool down: scaler first, then every worker with a
// short grace period before in-flight jobs are force-cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.scalerStop)
	var waiting []*worker
	for _, w := range p.workers {
		w.state = types.WorkerStateStopping
		close(w.stopCh)
		waiting = append(waiting, w)
	}
	p.mu.Unlock()

	<-p.scalerDone

	deadline := time.After(stopGrace)
	for _, w := range waiting {
		select {
		case <-w.done:
		case <-deadline:
			p.mu.Lock()
			if w.cancel != nil {
				w.cancel()
			}
			p.mu.Unlock()
			<-w.done
		}
	}

	p.mu.Lock()
	p.workers = make(map[string]*worker)
	p.mu.Unlock()
	p.logger.Info().Msg("worker pool stopped")
}

// Workers returns a snapshot of every worker's state.
func (p *Pool) Workers() []types.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]types.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, types.WorkerInfo{
			ID:            w.id,
			State:         w.state,
			CurrentJobID:  w.jobID,
			JobsCompleted: w.completed,
			JobsFailed:    w.failed,
			CreatedAt:     w.createdAt,
		})
	}
	return infos
}

// LiveCount returns the number of workers not yet stopping.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.state != types.WorkerStateStopping && w.state != types.WorkerStateStopped {
			n++
		}
	}
	return n
}

func (p *Pool) spawnLocked() *worker {
	p.seq++
	w := &worker{
		id:        fmt.Sprintf("worker-%d", p.seq),
		state:     types.WorkerStateIdle,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	p.workers[w.id] = w
	go p.runWorker(w)
	return w
}

// runWorker is the cooperative loop: honor pause, ask the executor for
// capacity, dequeue, execute. Execution errors are counted, never fatal
// to the loop.
func (p *Pool) runWorker(w *worker) {
	defer close(w.done)
	logger := p.logger.With().Str("worker_id", w.id).Logger()

	for {
		select {
		case <-w.stopCh:
			p.setState(w, types.WorkerStateStopped)
			return
		default:
		}

		if p.isPaused(w) {
			p.setState(w, types.WorkerStatePaused)
			if !p.sleep(w) {
				return
			}
			continue
		}

		if !p.exec.CanAccept() {
			p.setState(w, types.WorkerStateIdle)
			if !p.sleep(w) {
				return
			}
			continue
		}

		job, err := p.queue.Dequeue()
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			p.setState(w, types.WorkerStateError)
			if !p.sleep(w) {
				return
			}
			continue
		}
		if job == nil {
			p.setState(w, types.WorkerStateIdle)
			if !p.sleep(w) {
				return
			}
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.mu.Lock()
		w.state = types.WorkerStateProcessing
		w.jobID = job.ID
		w.cancel = cancel
		p.mu.Unlock()

		err = p.executeJob(ctx, job, logger)
		cancel()

		p.mu.Lock()
		w.jobID = ""
		w.cancel = nil
		if err != nil {
			w.failed++
		} else {
			w.completed++
		}
		w.state = types.WorkerStateIdle
		p.mu.Unlock()
	}
}

// executeJob shields the worker loop from a panicking executor: the
// panic is counted as a failed job and the loop keeps running.
func (p *Pool) executeJob(ctx context.Context, job *types.Job, logger zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("job_id", job.ID).Interface("panic", r).Msg("job execution panicked")
			err = fmt.Errorf("job execution panicked: %v", r)
		}
	}()
	return p.exec.Execute(ctx, job)
}

// sleep waits one poll interval; false means the worker was stopped.
func (p *Pool) sleep(w *worker) bool {
	select {
	case <-w.stopCh:
		p.setState(w, types.WorkerStateStopped)
		return false
	case <-time.After(p.cfg.PollInterval):
		return true
	}
}

func (p *Pool) isPaused(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return w.paused
}

func (p *Pool) setState(w *worker, state types.WorkerState) {
	p.mu.Lock()
	w.state = state
	p.mu.Unlock()
}

// runScaler adjusts the worker count on a fixed cadence based on queue
// depth against the live worker count.
func (p *Pool) runScaler() {
	defer close(p.scalerDone)
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.scalerStop:
			return
		case <-ticker.C:
			p.scale()
		}
	}
}

func (p *Pool) scale() {
	depth := p.queue.Depth()
	live := p.LiveCount()
	snap := p.sensor.Sample()

	if depth > p.cfg.ScaleThreshold*live && live < p.cfg.MaxWorkers &&
		snap.CPUPercent < p.cfg.ScaleUpCPUMax && snap.MemPercent < p.cfg.ScaleUpMemMax {
		if id, err := p.Add(); err == nil {
			p.logger.Info().Str("worker_id", id).Int("depth", depth).Msg("scaled up")
		}
		return
	}

	if depth < live && live > p.cfg.MinWorkers {
		if id := p.idleWorker(); id != "" {
			if err := p.Remove(id); err == nil {
				p.logger.Info().Str("worker_id", id).Int("depth", depth).Msg("scaled down")
			}
		}
	}
}

func (p *Pool) idleWorker() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		if w.state == types.WorkerStateIdle {
			return id
		}
	}
	return ""
}
