package perf

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// CPUCollector reports system, per-core and optional target-process CPU
// utilization from tick-to-tick time deltas. The first tick has no previous
// reading and reports zeros.
type CPUCollector struct {
	proc *process.Process

	prevTotal   *cpu.TimesStat
	prevPerCore []cpu.TimesStat
	prevProc    *cpu.TimesStat
}

// NewCPUCollector creates a system CPU collector. pid 0 disables the
// per-process reading.
func NewCPUCollector(pid int32) *CPUCollector {
	c := &CPUCollector{}
	if pid > 0 {
		if p, err := process.NewProcess(pid); err == nil {
			c.proc = p
		}
	}
	return c
}

func (c *CPUCollector) Name() string { return "cpu" }

func (c *CPUCollector) Collect(ctx context.Context, s *Sample) error {
	metrics := &CPUMetrics{}

	totals, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return fmt.Errorf("cpu times: %w", err)
	}
	if len(totals) == 0 {
		return fmt.Errorf("cpu times: empty result")
	}
	prevTotal := c.prevTotal
	if prevTotal != nil {
		metrics.SystemPercent = busyPercent(*prevTotal, totals[0])
	}
	c.prevTotal = &totals[0]

	perCore, err := cpu.TimesWithContext(ctx, true)
	if err == nil {
		if len(c.prevPerCore) == len(perCore) {
			metrics.PerCore = make([]float64, len(perCore))
			for i := range perCore {
				metrics.PerCore[i] = busyPercent(c.prevPerCore[i], perCore[i])
			}
		}
		c.prevPerCore = perCore
	}

	if c.proc != nil {
		if procTimes, err := c.proc.TimesWithContext(ctx); err == nil {
			if c.prevProc != nil && prevTotal != nil {
				metrics.AppPercent = procPercent(*c.prevProc, *procTimes, *prevTotal, totals[0])
			}
			c.prevProc = procTimes
		}
	}

	s.CPU = metrics
	return nil
}

// busyPercent computes busy time over elapsed time between two readings.
func busyPercent(prev, cur cpu.TimesStat) float64 {
	prevBusy := busyTime(prev)
	curBusy := busyTime(cur)
	prevTotal := totalTime(prev)
	curTotal := totalTime(cur)
	dTotal := curTotal - prevTotal
	if dTotal <= 0 {
		return 0
	}
	pct := (curBusy - prevBusy) / dTotal * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// procPercent relates a process's consumed CPU time to the system's elapsed
// window.
func procPercent(prevProc, curProc, prevSys, curSys cpu.TimesStat) float64 {
	dProc := (curProc.User + curProc.System) - (prevProc.User + prevProc.System)
	dSys := totalTime(curSys) - totalTime(prevSys)
	if dSys <= 0 || dProc < 0 {
		return 0
	}
	pct := dProc / dSys * 100
	if pct > 100 {
		return 100
	}
	return pct
}

func busyTime(t cpu.TimesStat) float64 {
	return totalTime(t) - t.Idle - t.Iowait
}

func totalTime(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq +
		t.Softirq + t.Steal + t.Guest + t.GuestNice
}
