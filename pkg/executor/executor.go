package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/renderloop/renderq/pkg/bus"
	"github.com/renderloop/renderq/pkg/inference"
	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/sensor"
	"github.com/renderloop/renderq/pkg/types"
)

// JobQueue is the queue surface the executor drives on job completion.
type JobQueue interface {
	Complete(jobID string, result *types.JobResult) error
	Fail(jobID string, errMsg string, retry bool, terminal types.JobState) error
	BindPromptID(jobID, promptID string) error
}

// Broadcaster delivers progress events to WebSocket subscribers.
type Broadcaster interface {
	BroadcastPrompt(promptID string, msg any)
}

// ResourceSensor provides utilization readings and admission checks.
type ResourceSensor interface {
	Sample() types.ResourceSnapshot
	Admit(requiredMemMB, requiredDiskMB float64) (bool, string)
}

// ExecutionStore persists the outcome of each run.
type ExecutionStore interface {
	RecordExecution(exec *types.Execution) error
}

// RuntimeResolver yields a base URL for a workflow's runtime container.
type RuntimeResolver interface {
	Ensure(ctx context.Context, workflowID string) (string, error)
}

// RuntimeClient is the inference surface the executor consumes.
type RuntimeClient interface {
	Submit(ctx context.Context, workflow types.Workflow) (string, error)
	WaitForCompletion(ctx context.Context, promptID string, onProgress func(polls int)) (*inference.Result, error)
}

// Config tunes the executor.
type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	CheckInterval time.Duration

	// FixedRuntimeURL bypasses the container supervisor and sends every
	// job to one externally managed runtime.
	FixedRuntimeURL string
	OutputDir       string
	ClientID        string

	// Admission ceilings for CanAccept.
	CPUMaxPercent  float64
	MemMaxPercent  float64
	DiskMaxPercent float64
}

// DefaultConfig returns executor settings matching the documented
// defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  2,
		Timeout:        300 * time.Second,
		CheckInterval:  2 * time.Second,
		ClientID:       "renderq",
		CPUMaxPercent:  90,
		MemMaxPercent:  85,
		DiskMaxPercent: 90,
	}
}

// defaultSteps mirrors the sampler default used when a request does
// not set an explicit step count.
const defaultSteps = 20

type activeJob struct {
	job       *types.Job
	estimate  types.WorkloadEstimate
	startSnap types.ResourceSnapshot
	startedAt time.Time
	done      chan struct{}
}

// Executor runs one job end to end: admission, runtime resolution,
// submission, progress monitoring, completion bookkeeping. Safe for
// concurrent use by multiple pool workers.
type Executor struct {
	cfg     Config
	queue   JobQueue
	bus     Broadcaster
	sensor  ResourceSensor
	store   ExecutionStore
	runtime RuntimeResolver
	logger  zerolog.Logger

	// clientFor builds an inference client per runtime URL; swapped in
	// tests.
	clientFor func(baseURL string) RuntimeClient

	mu     sync.Mutex
	active map[string]*activeJob
}

// New assembles an executor over its collaborators.
func New(cfg Config, q JobQueue, b Broadcaster, s ResourceSensor, st ExecutionStore, rt RuntimeResolver) *Executor {
	e := &Executor{
		cfg:     cfg,
		queue:   q,
		bus:     b,
		sensor:  s,
		store:   st,
		runtime: rt,
		logger:  log.WithComponent("executor"),
		active:  make(map[string]*activeJob),
	}
	e.clientFor = func(baseURL string) RuntimeClient {
		return inference.NewClient(baseURL, cfg.ClientID, cfg.OutputDir)
	}
	return e
}

// CanAccept reports whether a worker should dequeue another job.
func (e *Executor) CanAccept() bool {
	e.mu.Lock()
	n := len(e.active)
	e.mu.Unlock()
	if n >= e.cfg.MaxConcurrent {
		return false
	}
	snap := e.sensor.Sample()
	return sensor.WithinLimits(snap, e.cfg.CPUMaxPercent, e.cfg.MemMaxPercent, e.cfg.DiskMaxPercent)
}

// ActiveCount returns the number of jobs currently executing.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ActiveJobs returns a snapshot of the jobs currently executing.
func (e *Executor) ActiveJobs() []*types.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	jobs := make([]*types.Job, 0, len(e.active))
	for _, a := range e.active {
		jobs = append(jobs, a.job)
	}
	return jobs
}

// Execute runs one job to a terminal queue state. The returned error is
// informational; the queue has already been told the outcome.
func (e *Executor) Execute(ctx context.Context, job *types.Job) error {
	logger := e.logger.With().Str("job_id", job.ID).Str("prompt_id", job.PromptID).Logger()

	if err := e.admit(job); err != nil {
		logger.Warn().Err(err).Msg("job rejected at admission")
		e.finish(job, nil, err)
		return err
	}
	defer e.release(job.ID)

	e.bus.BroadcastPrompt(job.PromptID, bus.ExecutionStarted(job.PromptID, job.WorkflowID))
	go e.monitor(job.PromptID, e.activeDone(job.ID))

	result, err := e.safeRun(ctx, job)
	e.finish(job, result, err)
	if err != nil {
		logger.Warn().Err(err).Msg("job failed")
		return err
	}
	logger.Info().Dur("total_time", result.TotalTime).Int("images", len(result.Images)).Msg("job completed")
	return nil
}

// admit applies the concurrency cap and the sensor's resource check,
// then registers the job as active.
func (e *Executor) admit(job *types.Job) error {
	est := sensor.Estimate(sensor.WorkloadFromJob(job))

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.active) >= e.cfg.MaxConcurrent {
		return types.NewError(types.ErrCapacity, "executor at max concurrent jobs (%d)", e.cfg.MaxConcurrent)
	}
	ok, reason := e.sensor.Admit(est.MemMB, est.DiskMB)
	if !ok {
		return types.NewError(types.ErrCapacity, "insufficient resources: %s", reason)
	}

	e.active[job.ID] = &activeJob{
		job:       job,
		estimate:  est,
		startSnap: e.sensor.Sample(),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	return nil
}

func (e *Executor) activeDone(jobID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.active[jobID]; ok {
		return a.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (e *Executor) release(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.active[jobID]; ok {
		close(a.done)
		delete(e.active, jobID)
	}
}

// safeRun converts a panic anywhere on the execution path into an
// internal error so the job still settles through finish.
func (e *Executor) safeRun(ctx context.Context, job *types.Job) (result *inference.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("job_id", job.ID).Interface("panic", r).Msg("execution panicked")
			result = nil
			err = types.NewError(types.ErrInternal, "execution panicked: %v", r)
		}
	}()
	return e.run(ctx, job)
}

// run resolves the runtime, submits the workflow, and waits for the
// outcome under the configured deadline.
func (e *Executor) run(ctx context.Context, job *types.Job) (*inference.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	baseURL := e.cfg.FixedRuntimeURL
	if baseURL == "" {
		url, err := e.runtime.Ensure(execCtx, job.WorkflowID)
		if err != nil {
			return nil, err
		}
		baseURL = url
	}

	workflow := job.Workflow
	if workflow == nil {
		workflow = inference.DefaultWorkflow()
	}
	workflow, err := inference.InjectParameters(workflow, job.Params)
	if err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "failed to prepare workflow")
	}

	client := e.clientFor(baseURL)
	runtimeID, err := client.Submit(execCtx, workflow)
	if err != nil {
		return nil, err
	}
	if bindErr := e.queue.BindPromptID(job.ID, runtimeID); bindErr != nil {
		e.logger.Warn().Str("job_id", job.ID).Err(bindErr).Msg("failed to bind runtime prompt id")
	}

	result, err := client.WaitForCompletion(execCtx, runtimeID, e.progressFunc(job))
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, types.WrapError(types.ErrTimeout, err, "job exceeded %s deadline", e.cfg.Timeout)
		}
		return nil, err
	}
	return result, nil
}

// progressFunc translates the inference client's poll ticks into
// progress events for the job's subscribers. Polling cannot observe
// the sampler's own step counter, so the reported step advances one
// per poll and caps at the job's configured step count.
func (e *Executor) progressFunc(job *types.Job) func(polls int) {
	total := job.Params.Steps
	if total <= 0 {
		total = defaultSteps
	}
	promptID := job.PromptID
	return func(polls int) {
		step := polls
		if step > total {
			step = total
		}
		e.bus.BroadcastPrompt(promptID, bus.ProgressUpdate(promptID, step, total, "", nil, ""))
	}
}

// monitor broadcasts utilization snapshots while the job is active.
func (e *Executor) monitor(promptID string, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.bus.BroadcastPrompt(promptID, bus.ResourceUpdate(promptID, e.sensor.Sample()))
		}
	}
}

// finish settles the queue record, persists the execution, and emits
// the terminal event.
func (e *Executor) finish(job *types.Job, result *inference.Result, execErr error) {
	exec := &types.Execution{
		JobID:       job.ID,
		PromptID:    job.PromptID,
		WorkflowID:  job.WorkflowID,
		StartedAt:   job.StartedAt,
		CompletedAt: time.Now(),
	}

	if execErr == nil {
		if err := e.queue.Complete(job.ID, &types.JobResult{Images: result.Images, TotalTime: result.TotalTime}); err != nil {
			e.logger.Error().Str("job_id", job.ID).Err(err).Msg("failed to mark job complete")
		}
		exec.Status = types.JobStateCompleted
		exec.Images = result.Images
		e.bus.BroadcastPrompt(job.PromptID, bus.ExecutionComplete(job.PromptID, string(types.JobStateCompleted), result.Images, "", result.TotalTime))
	} else {
		retry := types.Retryable(execErr)
		status := types.JobStateFailed
		if types.KindOf(execErr) == types.ErrTimeout {
			status = types.JobStateTimedOut
		}
		if err := e.queue.Fail(job.ID, execErr.Error(), retry, status); err != nil {
			e.logger.Error().Str("job_id", job.ID).Err(err).Msg("failed to mark job failed")
		}
		exec.Status = status
		exec.Error = execErr.Error()
		e.bus.BroadcastPrompt(job.PromptID, bus.ExecutionComplete(job.PromptID, string(status), nil, execErr.Error(), 0))
	}

	if err := e.store.RecordExecution(exec); err != nil {
		e.logger.Error().Str("job_id", job.ID).Err(err).Msg("failed to record execution")
	}
}
