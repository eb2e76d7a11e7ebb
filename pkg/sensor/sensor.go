package sensor

import (
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/renderloop/renderq/pkg/log"
	"github.com/renderloop/renderq/pkg/types"
)

const mb = 1024 * 1024

// Config holds sensor thresholds used for admission control.
type Config struct {
	// Critical thresholds: a live snapshot at or above any of these
	// refuses admission outright.
	CPUCriticalPercent  float64
	MemCriticalPercent  float64
	DiskCriticalPercent float64

	// DiskPath is the mount point sampled for disk utilization.
	DiskPath string
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		CPUCriticalPercent:  95,
		MemCriticalPercent:  90,
		DiskCriticalPercent: 95,
		DiskPath:            "/",
	}
}

// Sensor samples host utilization and answers admission questions.
// Sampling never returns an error: failures degrade to a conservative
// snapshot that assumes full utilization.
type Sensor struct {
	cfg Config

	mu   sync.Mutex
	last types.ResourceSnapshot

	// gpuQuery is swapped out in tests; defaults to nvidia-smi.
	gpuQuery func() (usedMB, totalMB, utilPercent float64, ok bool)
}

// New creates a sensor with the given thresholds.
func New(cfg Config) *Sensor {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	return &Sensor{cfg: cfg, gpuQuery: queryNvidiaSMI}
}

// Sample takes a single instantaneous reading. GPU fields are nil when
// no GPU is present or the query tool is unavailable.
func (s *Sensor) Sample() types.ResourceSnapshot {
	snap := types.ResourceSnapshot{Timestamp: time.Now()}

	cpuPct, err := cpu.Percent(0, false)
	if err != nil || len(cpuPct) == 0 {
		return s.degraded(err)
	}
	snap.CPUPercent = cpuPct[0]

	vm, err := mem.VirtualMemory()
	if err != nil {
		return s.degraded(err)
	}
	snap.MemPercent = vm.UsedPercent
	snap.MemUsedMB = float64(vm.Used) / mb
	snap.MemAvailMB = float64(vm.Available) / mb

	du, err := disk.Usage(s.cfg.DiskPath)
	if err != nil {
		return s.degraded(err)
	}
	snap.DiskPercent = du.UsedPercent

	if used, total, util, ok := s.gpuQuery(); ok {
		snap.GPUUsedMB = &used
		snap.GPUTotalMB = &total
		snap.GPUPercent = &util
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	return snap
}

// degraded returns a snapshot that assumes the host is saturated, so
// admission refuses new work until real readings come back.
func (s *Sensor) degraded(err error) types.ResourceSnapshot {
	if err != nil {
		logger := log.WithComponent("sensor")
		logger.Warn().Err(err).Msg("resource sampling failed, assuming saturation")
	}
	return types.ResourceSnapshot{
		CPUPercent:  100,
		MemPercent:  100,
		MemUsedMB:   0,
		MemAvailMB:  0,
		DiskPercent: 100,
		Degraded:    true,
		Timestamp:   time.Now(),
	}
}

// WithinLimits reports whether a snapshot is under all three ceilings.
func WithinLimits(snap types.ResourceSnapshot, cpuMax, memMax, diskMax float64) bool {
	return snap.CPUPercent < cpuMax &&
		snap.MemPercent < memMax &&
		snap.DiskPercent < diskMax
}

// Admit checks a live snapshot against the configured critical
// thresholds and against the absolute requirement of the workload.
// The reason is empty when ok.
func (s *Sensor) Admit(requiredMemMB, requiredDiskMB float64) (bool, string) {
	snap := s.Sample()

	if snap.CPUPercent >= s.cfg.CPUCriticalPercent {
		return false, "cpu utilization critical"
	}
	if snap.MemPercent >= s.cfg.MemCriticalPercent {
		return false, "memory utilization critical"
	}
	if snap.DiskPercent >= s.cfg.DiskCriticalPercent {
		return false, "disk utilization critical"
	}
	if requiredMemMB > 0 && snap.MemAvailMB < requiredMemMB {
		return false, "insufficient available memory"
	}
	if requiredDiskMB > 0 {
		du, err := disk.Usage(s.cfg.DiskPath)
		if err == nil && float64(du.Free)/mb < requiredDiskMB {
			return false, "insufficient free disk"
		}
	}
	return true, ""
}

// Last returns the most recent successful sample, if any.
func (s *Sensor) Last() types.ResourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// queryNvidiaSMI reads GPU memory and utilization from nvidia-smi.
// Absence of the tool or a failing card degrades to "no GPU", not error.
func queryNvidiaSMI() (usedMB, totalMB, utilPercent float64, ok bool) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=memory.used,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, 0, 0, false
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return 0, 0, 0, false
	}
	used, err1 := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	total, err2 := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	util, err3 := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return used, total, util, true
}
