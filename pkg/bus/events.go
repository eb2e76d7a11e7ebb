package bus

import (
	"time"

	"github.com/renderloop/renderq/pkg/types"
)

// Event type names emitted by the core.
const (
	EventExecutionStarted  = "execution_started"
	EventProgressUpdate    = "progress_update"
	EventResourceUpdate    = "resource_update"
	EventExecutionComplete = "execution_complete"
	EventQueueUpdate       = "queue_update"
)

// ExecutionStarted announces that a job left the queue and began
// executing.
func ExecutionStarted(promptID, workflowID string) map[string]any {
	return map[string]any{
		"type":        EventExecutionStarted,
		"prompt_id":   promptID,
		"workflow_id": workflowID,
		"timestamp":   time.Now().Unix(),
	}
}

// ProgressUpdate reports sampler progress for a running job.
func ProgressUpdate(promptID string, currentStep, totalSteps int, currentNode string, etaSeconds *float64, previewImage string) map[string]any {
	pct := 0.0
	if totalSteps > 0 {
		pct = float64(currentStep) / float64(totalSteps) * 100
	}
	msg := map[string]any{
		"type":         EventProgressUpdate,
		"prompt_id":    promptID,
		"current_step": currentStep,
		"total_steps":  totalSteps,
		"percentage":   pct,
		"current_node": currentNode,
	}
	if etaSeconds != nil {
		msg["eta_seconds"] = *etaSeconds
	}
	if previewImage != "" {
		msg["preview_image"] = previewImage
	}
	return msg
}

// ResourceUpdate carries a utilization snapshot taken while a job runs.
func ResourceUpdate(promptID string, snap types.ResourceSnapshot) map[string]any {
	return map[string]any{
		"type":      EventResourceUpdate,
		"prompt_id": promptID,
		"resources": snap,
	}
}

// ExecutionComplete reports the terminal outcome of a job. images and
// errMsg are optional depending on status.
func ExecutionComplete(promptID, status string, images []string, errMsg string, totalTime time.Duration) map[string]any {
	msg := map[string]any{
		"type":       EventExecutionComplete,
		"prompt_id":  promptID,
		"status":     status,
		"total_time": totalTime.Seconds(),
	}
	if len(images) > 0 {
		msg["images"] = images
	}
	if errMsg != "" {
		msg["error"] = errMsg
	}
	return msg
}

// QueueUpdate reports segment depths to room subscribers.
func QueueUpdate(depths map[types.Priority]int, deadLetter int) map[string]any {
	return map[string]any{
		"type":             EventQueueUpdate,
		"high":             depths[types.PriorityHigh],
		"normal":           depths[types.PriorityNormal],
		"low":              depths[types.PriorityLow],
		"dead_letter_size": deadLetter,
		"timestamp":        time.Now().Unix(),
	}
}
