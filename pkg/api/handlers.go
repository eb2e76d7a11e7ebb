package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/renderloop/renderq/pkg/bus"
	"github.com/renderloop/renderq/pkg/metrics"
	"github.com/renderloop/renderq/pkg/types"
)

const waitPoll = 200 * time.Millisecond

// queueRoom is the room receiving queue_update frames.
const queueRoom = "queue"

// handleGenerate accepts a generation request, enqueues a job, and
// either returns immediately or blocks until the job settles.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.WrapError(types.ErrValidation, err, "malformed request body"))
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, err)
		return
	}
	params := normalizeRequest(&req)

	priority := types.Priority(r.URL.Query().Get("priority"))
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !types.ValidPriority(priority) {
		writeError(w, types.NewError(types.ErrValidation, "field priority: unknown priority %q", priority))
		return
	}

	workflow := req.Workflow
	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = "default"
	}
	if workflow == nil && req.WorkflowID != "" {
		stored, err := s.store.GetWorkflow(req.WorkflowID)
		switch types.KindOf(err) {
		case types.ErrNotFound:
			// Executor falls back to the built-in template.
		default:
			if err != nil {
				writeError(w, err)
				return
			}
			workflow = stored
		}
	}

	job := &types.Job{
		ID:         uuid.NewString(),
		PromptID:   uuid.NewString(),
		WorkflowID: workflowID,
		Workflow:   workflow,
		Params:     params,
		Priority:   priority,
		State:      types.JobStatePending,
		MaxRetries: types.DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}

	if err := s.queue.Enqueue(job); err != nil {
		writeError(w, err)
		return
	}
	metrics.JobsEnqueued.Inc()
	s.bus.BroadcastRoom(queueRoom, bus.QueueUpdate(s.queue.Depths(), s.queue.DeadLetterSize()))

	if r.URL.Query().Get("wait") == "true" {
		s.waitForJob(w, r, job)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"prompt_id": job.PromptID,
		"status":    "queued",
		"task_id":   job.ID,
	})
}

// waitForJob blocks until the job reaches a terminal state or the task
// timeout budget elapses.
func (s *Server) waitForJob(w http.ResponseWriter, r *http.Request, job *types.Job) {
	deadline := time.After(s.cfg.TaskTimeout)
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline:
			writeError(w, types.NewError(types.ErrTimeout, "job %s did not finish within %s", job.ID, s.cfg.TaskTimeout))
			return
		case <-ticker.C:
		}

		current, err := s.queue.Get(job.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !current.State.Terminal() {
			continue
		}

		if current.State != types.JobStateCompleted {
			if current.State == types.JobStateTimedOut {
				writeError(w, types.NewError(types.ErrTimeout, "job %s timed out: %s", job.ID, current.Error))
				return
			}
			writeError(w, types.NewError(types.ErrInternal, "job %s ended %s: %s", job.ID, current.State, current.Error))
			return
		}

		resp := map[string]any{
			"prompt_id": current.PromptID,
			"task_id":   current.ID,
			"status":    string(types.JobStateCompleted),
			"images":    current.Result.Images,
		}
		if current.Params.ReturnBase64 {
			encoded, err := s.encodeImages(current)
			if err != nil {
				writeError(w, err)
				return
			}
			resp["images_base64"] = encoded
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
}

// encodeImages inlines the job's output files as data URLs.
func (s *Server) encodeImages(job *types.Job) ([]string, error) {
	var out []string
	for _, imageURL := range job.Result.Images {
		name := filepath.Base(imageURL)
		data, err := os.ReadFile(filepath.Join(s.cfg.OutputDir, name))
		if err != nil {
			return nil, types.WrapError(types.ErrInternal, err, "failed to read output image %s", name)
		}
		out = append(out, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(data))
	}
	return out, nil
}

// handleStatus reports a job's current state by prompt id.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "promptID")
	job, err := s.queue.GetByPromptID(promptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job, s.queue.Position(job.ID)))
}

// handleCancel cancels a job that has not begun processing.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "promptID")
	job, err := s.queue.GetByPromptID(promptID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Cancel(job.ID); err != nil {
		writeError(w, err)
		return
	}
	s.bus.BroadcastRoom(queueRoom, bus.QueueUpdate(s.queue.Depths(), s.queue.DeadLetterSize()))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "cancelled",
		"prompt_id": job.PromptID,
		"task_id":   job.ID,
	})
}

// handleImage serves one output artifact, raw or base64-wrapped.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	if filename != filepath.Base(filename) || strings.Contains(filename, "..") {
		writeError(w, types.NewError(types.ErrValidation, "invalid filename"))
		return
	}

	path := filepath.Join(s.cfg.OutputDir, filename)
	if _, err := os.Stat(path); err != nil {
		writeError(w, types.NewError(types.ErrNotFound, "image not found: %s", filename))
		return
	}

	if r.URL.Query().Get("format") == "base64" {
		data, err := os.ReadFile(path)
		if err != nil {
			writeError(w, types.WrapError(types.ErrInternal, err, "failed to read image"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"filename": filename,
			"base64":   base64.StdEncoding.EncodeToString(data),
		})
		return
	}
	http.ServeFile(w, r, path)
}

// handleQueueStatus reports segment depths and cumulative counters.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depths := s.queue.Depths()
	stats := s.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"high":             depths[types.PriorityHigh],
		"normal":           depths[types.PriorityNormal],
		"low":              depths[types.PriorityLow],
		"total":            s.queue.Depth(),
		"dead_letter_size": s.queue.DeadLetterSize(),
		"stats":            stats,
	})
}

// handleQueueJob returns the full job record by task id.
func (s *Server) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	job, err := s.queue.Get(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRecoverDeadLetter re-queues up to n parked jobs.
func (s *Server) handleRecoverDeadLetter(w http.ResponseWriter, r *http.Request) {
	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, types.NewError(types.ErrValidation, "field n: must be a positive integer"))
			return
		}
		n = parsed
	}
	moved, err := s.queue.RecoverDeadLetter(n)
	if err != nil {
		writeError(w, err)
		return
	}
	s.bus.BroadcastRoom(queueRoom, bus.QueueUpdate(s.queue.Depths(), s.queue.DeadLetterSize()))
	writeJSON(w, http.StatusOK, map[string]any{
		"recovered":        moved,
		"dead_letter_size": s.queue.DeadLetterSize(),
	})
}

// handleWorkersStatus lists workers and pool-level stats.
func (s *Server) handleWorkersStatus(w http.ResponseWriter, r *http.Request) {
	workers := s.pool.Workers()
	writeJSON(w, http.StatusOK, map[string]any{
		"workers":      workers,
		"live_workers": s.pool.LiveCount(),
		"min_workers":  s.cfg.MinWorkers,
		"max_workers":  s.cfg.MaxWorkers,
		"active_jobs":  s.exec.ActiveCount(),
	})
}

func (s *Server) handleWorkersPause(w http.ResponseWriter, r *http.Request) {
	s.pool.PauseAll()
	writeJSON(w, http.StatusOK, map[string]any{"status": "paused"})
}

func (s *Server) handleWorkersResume(w http.ResponseWriter, r *http.Request) {
	s.pool.ResumeAll()
	writeJSON(w, http.StatusOK, map[string]any{"status": "resumed"})
}

// handleWorkersScale adds or removes workers until the pool reaches the
// requested size, bounded by the configured min and max.
func (s *Server) handleWorkersScale(w http.ResponseWriter, r *http.Request) {
	target, err := strconv.Atoi(r.URL.Query().Get("target_workers"))
	if err != nil {
		writeError(w, types.NewError(types.ErrValidation, "field target_workers: must be an integer"))
		return
	}
	if target < s.cfg.MinWorkers || target > s.cfg.MaxWorkers {
		writeError(w, types.NewError(types.ErrValidation, "field target_workers: must be between %d and %d", s.cfg.MinWorkers, s.cfg.MaxWorkers))
		return
	}

	previous := s.pool.LiveCount()
	for s.pool.LiveCount() < target {
		if _, err := s.pool.Add(); err != nil {
			writeError(w, err)
			return
		}
	}
	for s.pool.LiveCount() > target {
		removed := false
		for _, info := range s.pool.Workers() {
			if info.State == types.WorkerStateIdle || info.State == types.WorkerStatePaused {
				if err := s.pool.Remove(info.ID); err == nil {
					removed = true
					break
				}
			}
		}
		if !removed {
			writeError(w, types.NewError(types.ErrCapacity, "no removable worker; all are busy"))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "scaled",
		"previous_workers": previous,
		"current_workers":  s.pool.LiveCount(),
	})
}

// handleResourcesStatus reports the current snapshot, host facts, and
// configured limits.
func (s *Server) handleResourcesStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sensor.Sample()

	system := map[string]any{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"go_version": runtime.Version(),
	}
	if info, err := host.Info(); err == nil {
		system["hostname"] = info.Hostname
		system["platform"] = info.Platform
		system["uptime_seconds"] = info.Uptime
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resources": snap,
		"system":    system,
		"limits": map[string]any{
			"cpu_max_percent":  s.cfg.CPUMaxPercent,
			"mem_max_percent":  s.cfg.MemMaxPercent,
			"disk_max_percent": s.cfg.DiskMaxPercent,
			"max_concurrent":   s.cfg.MaxConcurrent,
		},
	})
}

// handleSaveWorkflow stores a workflow definition.
func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string         `json:"id"`
		Workflow types.Workflow `json:"workflow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.WrapError(types.ErrValidation, err, "malformed request body"))
		return
	}
	if len(req.Workflow) == 0 {
		writeError(w, types.NewError(types.ErrValidation, "field workflow: must not be empty"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := s.store.SaveWorkflow(req.ID, req.Workflow); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID})
}

// handleGetWorkflow returns a stored workflow definition.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": workflowID, "workflow": wf})
}

// handleCreateBuild records an image build for a workflow.
func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID string            `json:"workflow_id"`
		ImageRef   string            `json:"image_ref"`
		Status     types.BuildStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.WrapError(types.ErrValidation, err, "malformed request body"))
		return
	}
	if req.WorkflowID == "" {
		writeError(w, types.NewError(types.ErrValidation, "field workflow_id: required"))
		return
	}
	if req.Status == "" {
		req.Status = types.BuildStatusPending
	}

	build := &types.Build{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		ImageRef:   req.ImageRef,
		Status:     req.Status,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateBuild(build); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// handleGetBuild returns one build record.
func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	build, err := s.store.GetBuild(buildID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// handleBuildLogs pages through a build's log stream.
func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	if _, err := s.store.GetBuild(buildID); err != nil {
		writeError(w, err)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, types.NewError(types.ErrValidation, "field since: must be a non-negative integer"))
			return
		}
		since = parsed
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, types.NewError(types.ErrValidation, "field limit: must be a positive integer"))
			return
		}
		limit = parsed
	}

	lines, next, err := s.store.BuildLogs(buildID, since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if lines == nil {
		lines = []types.BuildLogLine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":       lines,
		"next_since": next,
	})
}

// jobResponse is the external view of a queue record.
func jobResponse(job *types.Job, position int) map[string]any {
	resp := map[string]any{
		"prompt_id":   job.PromptID,
		"task_id":     job.ID,
		"status":      string(job.State),
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt,
	}
	if position >= 0 {
		resp["queue_position"] = position
	}
	if !job.StartedAt.IsZero() {
		resp["started_at"] = job.StartedAt
	}
	if !job.CompletedAt.IsZero() {
		resp["completed_at"] = job.CompletedAt
	}
	if job.Error != "" {
		resp["error_message"] = job.Error
	}
	if job.Result != nil {
		resp["images"] = job.Result.Images
	}
	return resp
}
