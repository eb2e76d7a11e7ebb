package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderloop/renderq/pkg/types"
)

type stubQueue struct {
	mu       sync.Mutex
	jobs     []*types.Job
	dequeues int
	depth    int
}

func (s *stubQueue) push(jobs ...*types.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobs...)
}

func (s *stubQueue) Dequeue() (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeues++
	if len(s.jobs) == 0 {
		return nil, nil
	}
	job := s.jobs[0]
	s.jobs = s.jobs[1:]
	return job, nil
}

func (s *stubQueue) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth > 0 {
		return s.depth
	}
	return len(s.jobs)
}

func (s *stubQueue) dequeueCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dequeues
}

type stubExecutor struct {
	mu       sync.Mutex
	accept   bool
	executed []string
	// hold blocks Execute until released, to pin a worker in PROCESSING.
	hold chan struct{}
	// panicOn makes Execute panic for that job id.
	panicOn string
}

func (s *stubExecutor) CanAccept() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accept
}

func (s *stubExecutor) Execute(ctx context.Context, job *types.Job) error {
	if s.panicOn == job.ID {
		panic("executor blew up on " + job.ID)
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, job.ID)
	return nil
}

func (s *stubExecutor) executedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executed)
}

type stubSensor struct {
	mu   sync.Mutex
	snap types.ResourceSnapshot
}

func (s *stubSensor) Sample() types.ResourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ScaleInterval = time.Hour // scaling exercised directly
	return cfg
}

func newTestPool(cfg Config) (*Pool, *stubQueue, *stubExecutor, *stubSensor) {
	q := &stubQueue{}
	e := &stubExecutor{accept: true}
	s := &stubSensor{snap: types.ResourceSnapshot{CPUPercent: 10, MemPercent: 20}}
	return New(cfg, q, e, s), q, e, s
}

func job(id string) *types.Job {
	return &types.Job{ID: id, PromptID: "p-" + id, State: types.JobStateProcessing}
}

func TestStartRunsMinWorkersAndDrainsQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 2
	p, q, e, _ := newTestPool(cfg)
	q.push(job("a"), job("b"), job("c"))

	require.NoError(t, p.Start())
	defer p.Stop()

	assert.Len(t, p.Workers(), 2)
	require.Eventually(t, func() bool { return e.executedCount() == 3 }, time.Second, 5*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	p, _, _, _ := newTestPool(testConfig())
	require.NoError(t, p.Start())
	defer p.Stop()
	assert.Error(t, p.Start())
}

func TestAddRefusedAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 2
	p, _, _, _ := newTestPool(cfg)
	require.NoError(t, p.Start())
	defer p.Stop()

	_, err := p.Add()
	require.NoError(t, err)

	_, err = p.Add()
	require.Error(t, err)
	assert.Equal(t, types.ErrCapacity, types.KindOf(err))
	assert.Equal(t, 2, p.LiveCount())
}

func TestRemoveRefusedAtMin(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	p, _, _, _ := newTestPool(cfg)
	require.NoError(t, p.Start())
	defer p.Stop()

	workers := p.Workers()
	require.Len(t, workers, 1)

	err := p.Remove(workers[0].ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrCapacity, types.KindOf(err))
}

func TestRemoveUnknownWorker(t *testing.T) {
	p, _, _, _ := newTestPool(testConfig())
	require.NoError(t, p.Start())
	defer p.Stop()

	err := p.Remove("worker-404")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestRemoveStopsWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	p, _, _, _ := newTestPool(cfg)
	require.NoError(t, p.Start())
	defer p.Stop()

	id, err := p.Add()
	require.NoError(t, err)
	require.NoError(t, p.Remove(id))
	assert.Equal(t, 1, p.LiveCount())
}

func TestPauseAndResume(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	p, q, e, _ := newTestPool(cfg)
	require.NoError(t, p.Start())
	defer p.Stop()

	p.PauseAll()
	require.Eventually(t, func() bool {
		workers := p.Workers()
		return len(workers) == 1 && workers[0].State == types.WorkerStatePaused
	}, time.Second, 5*time.Millisecond)

	q.push(job("a"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, e.executedCount(), "paused workers must not dequeue")

	p.ResumeAll()
	require.Eventually(t, func() bool { return e.executedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorkerSurvivesExecutorPanic(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	p, q, e, _ := newTestPool(cfg)
	e.panicOn = "boom"
	q.push(job("boom"), job("after"))

	require.NoError(t, p.Start())
	defer p.Stop()

	// The same worker keeps dequeuing after the panic and completes the
	// next job; the panic counts as a failed job.
	require.Eventually(t, func() bool {
		workers := p.Workers()
		return len(workers) == 1 &&
			workers[0].JobsFailed == 1 && workers[0].JobsCompleted == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.executedCount())
	assert.Equal(t, 1, p.LiveCount())
}

func TestExecutorGateBlocksDequeue(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	p, q, e, _ := newTestPool(cfg)
	e.accept = false
	q.push(job("a"))

	require.NoError(t, p.Start())
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, q.dequeueCalls(), "workers must not dequeue without executor capacity")
}

func TestScaleUp(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 4
	cfg.ScaleThreshold = 5
	p, q, _, _ := newTestPool(cfg)
	require.NoError(t, p.Start())
	defer p.Stop()

	q.depth = 10 // 10 > 5 * 1
	p.scale()
	assert.Equal(t, 2, p.LiveCount())
}

func TestScaleUpBlockedByHostLoad(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	p, q, _, s := newTestPool(cfg)
	require.NoError(t, p.Start())
	defer p.Stop()

	q.depth = 100
	s.mu.Lock()
	s.snap = types.ResourceSnapshot{CPUPercent: 95, MemPercent: 20}
	s.mu.Unlock()

	p.scale()
	assert.Equal(t, 1, p.LiveCount())
}

func TestScaleDownRemovesIdleWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	p, _, _, _ := newTestPool(cfg)
	require.NoError(t, p.Start())
	defer p.Stop()

	_, err := p.Add()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.LiveCount() == 2 }, time.Second, 5*time.Millisecond)

	// Empty queue: depth 0 < 2 live workers.
	p.scale()
	assert.Equal(t, 1, p.LiveCount())
}

func TestScaleRespectsBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	p, q, _, _ := newTestPool(cfg)
	require.NoError(t, p.Start())
	defer p.Stop()

	q.depth = 100
	p.scale()
	assert.Equal(t, 1, p.LiveCount(), "scaler must not exceed max workers")

	q.depth = 0
	p.scale()
	assert.Equal(t, 1, p.LiveCount(), "scaler must not drop below min workers")
}

func TestStopForceCancelsStuckWorker(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 1
	p, q, e, _ := newTestPool(cfg)
	e.hold = make(chan struct{}) // Execute blocks until ctx cancel
	q.push(job("stuck"))

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool {
		for _, w := range p.Workers() {
			if w.State == types.WorkerStateProcessing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	p.Stop()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, p.Workers())
}
