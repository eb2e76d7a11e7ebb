package sensor

import (
	"github.com/renderloop/renderq/pkg/types"
)

// Heuristic cost model constants. Calibrated against typical SDXL
// workloads on a single consumer GPU; intentionally pessimistic.
const (
	baseMemMB      = 1024.0 // runtime process overhead
	perNodeMemMB   = 24.0   // loaded node graph overhead
	perMegapixelMB = 384.0  // latents + decode buffers per image
	perStepMemMB   = 2.0    // sampler scratch per step

	baseDiskMB     = 64.0 // output directory overhead
	perImageDiskMB = 12.0 // PNG output per megapixel-batch

	baseSeconds    = 4.0
	perStepSeconds = 0.45 // per step per megapixel

	memSafetyFactor  = 1.5
	diskSafetyFactor = 2.0
)

// Estimate predicts the memory, disk, and wall-clock cost of a workload:
// base + per-node overhead + per-megapixel factor + per-step factor,
// with a 1.5x safety factor on memory and 2x on disk.
func Estimate(w types.Workload) types.WorkloadEstimate {
	width, height := w.Width, w.Height
	if width <= 0 {
		width = 512
	}
	if height <= 0 {
		height = 512
	}
	batch := w.BatchSize
	if batch <= 0 {
		batch = 1
	}
	steps := w.Steps
	if steps <= 0 {
		steps = 20
	}
	nodes := w.Nodes
	if nodes <= 0 {
		nodes = 8
	}

	megapixels := float64(width) * float64(height) / 1e6

	memMB := baseMemMB +
		float64(nodes)*perNodeMemMB +
		megapixels*perMegapixelMB*float64(batch) +
		float64(steps)*perStepMemMB
	diskMB := baseDiskMB + perImageDiskMB*megapixels*float64(batch)
	seconds := baseSeconds + perStepSeconds*float64(steps)*megapixels*float64(batch)

	return types.WorkloadEstimate{
		MemMB:   memMB * memSafetyFactor,
		DiskMB:  diskMB * diskSafetyFactor,
		Seconds: seconds,
	}
}

// WorkloadFromJob derives an estimation workload from a job's workflow
// and parameters.
func WorkloadFromJob(job *types.Job) types.Workload {
	w := types.Workload{
		Nodes:     len(job.Workflow),
		Width:     job.Params.Width,
		Height:    job.Params.Height,
		BatchSize: job.Params.BatchSize,
		Steps:     job.Params.Steps,
	}
	return w
}
