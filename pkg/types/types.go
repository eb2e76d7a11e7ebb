package types

import (
	"fmt"
	"time"
)

// Priority determines which queue segment a job lands in.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ValidPriority reports whether p is one of the three known segments.
func ValidPriority(p Priority) bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateRetrying   JobState = "retrying"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
	JobStateTimedOut   JobState = "timed_out"
)

// Terminal reports whether s is a final state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimedOut:
		return true
	}
	return false
}

// WorkflowNode is a single node of a workflow graph: its class and the
// inputs wired into it. Input values reference other nodes as
// [node-id, output-index] pairs; everything else is a literal.
type WorkflowNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Workflow is a directed graph of inference nodes keyed by node id.
// The core treats it as opaque except for parameter injection.
type Workflow map[string]WorkflowNode

// GenerateParams holds the user-supplied parameter overrides for one
// generation request. Zero values mean "leave the workflow's own value".
type GenerateParams struct {
	PositivePrompt string  `json:"positive_prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CFG            float64 `json:"cfg,omitempty"`
	SamplerName    string  `json:"sampler_name,omitempty"`
	Scheduler      string  `json:"scheduler,omitempty"`
	BatchSize      int     `json:"batch_size,omitempty"`
	InputImage     string  `json:"input_image,omitempty"`
	ReturnBase64   bool    `json:"return_base64,omitempty"`
}

// Job is the atomic unit of scheduling.
type Job struct {
	ID         string `json:"id"`
	PromptID   string `json:"prompt_id"` // placeholder until the runtime assigns one
	WorkflowID string `json:"workflow_id"`

	Workflow Workflow       `json:"workflow,omitempty"`
	Params   GenerateParams `json:"params"`

	Priority Priority `json:"priority"`
	State    JobState `json:"state"`

	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Result *JobResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// DefaultMaxRetries applies when a job is enqueued without an explicit cap.
const DefaultMaxRetries = 3

// JobResult holds the output of a completed job.
type JobResult struct {
	Images    []string      `json:"images"`
	TotalTime time.Duration `json:"total_time"`
}

// WorkerState represents the state of a pool worker.
type WorkerState string

const (
	WorkerStateIdle       WorkerState = "idle"
	WorkerStateProcessing WorkerState = "processing"
	WorkerStatePaused     WorkerState = "paused"
	WorkerStateStopping   WorkerState = "stopping"
	WorkerStateStopped    WorkerState = "stopped"
	WorkerStateError      WorkerState = "error"
)

// WorkerInfo is a point-in-time view of a pool worker.
type WorkerInfo struct {
	ID            string      `json:"id"`
	State         WorkerState `json:"state"`
	CurrentJobID  string      `json:"current_job_id,omitempty"`
	JobsCompleted uint64      `json:"jobs_completed"`
	JobsFailed    uint64      `json:"jobs_failed"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ResourceSnapshot is a single instantaneous reading of host utilization.
// GPU fields are nil when no GPU sensing is available. Immutable once
// sampled.
type ResourceSnapshot struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	MemUsedMB   float64   `json:"mem_used_mb"`
	MemAvailMB  float64   `json:"mem_avail_mb"`
	DiskPercent float64   `json:"disk_percent"`
	GPUUsedMB   *float64  `json:"gpu_used_mb,omitempty"`
	GPUTotalMB  *float64  `json:"gpu_total_mb,omitempty"`
	GPUPercent  *float64  `json:"gpu_util_percent,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Workload describes the shape of a job for cost estimation.
type Workload struct {
	Nodes     int `json:"nodes"`
	Width     int `json:"width"`
	Height    int `json:"height"`
	BatchSize int `json:"batch_size"`
	Steps     int `json:"steps"`
}

// WorkloadEstimate is the heuristic cost of running a workload.
type WorkloadEstimate struct {
	MemMB   float64 `json:"mem_mb"`
	DiskMB  float64 `json:"disk_mb"`
	Seconds float64 `json:"seconds"`
}

// RuntimeContainer records a labelled runtime container serving one
// workflow. Owned by the supervisor.
type RuntimeContainer struct {
	WorkflowID  string    `json:"workflow_id"`
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	Image       string    `json:"image"`
	HostPort    int       `json:"host_port"`
	Healthy     bool      `json:"healthy"`
	LastSeen    time.Time `json:"last_seen"`
}

// URL returns the local base URL of the container's inference endpoint.
func (c *RuntimeContainer) URL() string {
	if c.HostPort == 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.HostPort)
}

// BuildStatus represents the lifecycle of a container image build.
type BuildStatus string

const (
	BuildStatusPending BuildStatus = "pending"
	BuildStatusRunning BuildStatus = "running"
	BuildStatusSuccess BuildStatus = "success"
	BuildStatusFailed  BuildStatus = "failed"
)

// Build is a record of one container image build for a workflow.
type Build struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	ImageRef   string      `json:"image_ref"`
	Status     BuildStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
}

// BuildLogLine is one line of build output, sequence-keyed for paging.
type BuildLogLine struct {
	Seq       uint64    `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution is the persisted record of one job run.
type Execution struct {
	JobID       string    `json:"job_id"`
	PromptID    string    `json:"prompt_id"`
	WorkflowID  string    `json:"workflow_id"`
	Status      JobState  `json:"status"`
	Images      []string  `json:"images,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
