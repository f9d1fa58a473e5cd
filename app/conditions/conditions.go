// Package conditions decides if the host has resources for long-running work, based on system metrics.
// Used to check eligibility for long execution grants.
package conditions

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const defaultMaxConcurrent = 10

// Config defines thresholds, nil or empty values are not checked
type Config struct {
	CPUBelow      *int     // max cpu usage percent
	MemoryBelow   *int     // max memory usage percent
	LoadAvgBelow  *float64 // max 1m load average
	DiskFreeAbove *int     // min free disk percent at DiskFreePath
	DiskFreePath  string   // "/" if empty
	Custom        string   // shell command, passes on zero exit code
}

// Enabled returns true if any threshold is set
func (c Config) Enabled() bool {
	return c.CPUBelow != nil || c.MemoryBelow != nil || c.LoadAvgBelow != nil || c.DiskFreeAbove != nil || c.Custom != ""
}

// Checker runs condition checks with a limit on concurrent checks
type Checker struct {
	maxConcurrent int
	semaphore     chan struct{}
	customTimeout time.Duration
}

// NewChecker makes checker allowing up to maxConcurrent parallel checks, default used if 0
func NewChecker(maxConcurrent int) *Checker {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Checker{
		maxConcurrent: maxConcurrent,
		semaphore:     make(chan struct{}, maxConcurrent),
		customTimeout: 10 * time.Second,
	}
}

// Check verifies all configured conditions, returns false with reason on the first unmet one
func (c *Checker) Check(cfg Config) (bool, string) {
	if !cfg.Enabled() {
		return true, ""
	}
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	default:
		return false, "condition check limit reached"
	}

	if cfg.CPUBelow != nil {
		if ok, reason := c.checkCPU(*cfg.CPUBelow); !ok {
			return false, reason
		}
	}
	if cfg.MemoryBelow != nil {
		if ok, reason := c.checkMemory(*cfg.MemoryBelow); !ok {
			return false, reason
		}
	}
	if cfg.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(*cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if cfg.DiskFreeAbove != nil {
		path := cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(*cfg.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	if cfg.Custom != "" {
		if ok, reason := c.checkCustom(cfg.Custom); !ok {
			return false, reason
		}
	}
	return true, ""
}

// Eligibility binds config to checker, result fits grant host eligibility hook
func (c *Checker) Eligibility(cfg Config) func() (bool, string) {
	return func() (bool, string) { return c.Check(cfg) }
}

func (c *Checker) checkCPU(threshold int) (bool, string) {
	pcts, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(pcts) == 0 {
		return false, "no CPU data available"
	}
	if current := int(pcts[0]); current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	if current := int(v.UsedPercent); current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

func (c *Checker) checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	if free := 100 - int(usage.UsedPercent); free < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", free, minFreePercent, path)
	}
	return true, ""
}

func (c *Checker) checkCustom(script string) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.customTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, "sh", "-c", script).Run(); err != nil { //nolint:gosec // operator-provided check
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
