package perf

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/autotest/device-agent/pkg/shell"
)

// MemoryCollector reports system memory totals and, when a package is
// targeted, the application's proportional set size from `dumpsys meminfo`.
type MemoryCollector struct {
	Exec    shell.Executor
	Package string
}

func NewMemoryCollector(exec shell.Executor, pkg string) *MemoryCollector {
	return &MemoryCollector{Exec: exec, Package: pkg}
}

func (c *MemoryCollector) Name() string { return "memory" }

func (c *MemoryCollector) Collect(ctx context.Context, s *Sample) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("virtual memory: %w", err)
	}
	metrics := &MemoryMetrics{
		TotalKB:     vm.Total / 1024,
		AvailableKB: vm.Available / 1024,
		UsedPercent: vm.UsedPercent,
	}

	if c.Package != "" && c.Exec != nil {
		res, err := c.Exec.Run(ctx, "dumpsys meminfo "+c.Package, false)
		if err == nil && res.ExitCode == 0 {
			if stats, ok := ParseMeminfo(res.Stdout); ok {
				metrics.AppPSSKB = stats.TotalPSSKB
				metrics.NativePSSKB = stats.NativePSSKB
				metrics.DalvikPSSKB = stats.DalvikPSSKB
				if rest := stats.TotalPSSKB; rest > stats.NativePSSKB+stats.DalvikPSSKB {
					metrics.OtherPSSKB = rest - stats.NativePSSKB - stats.DalvikPSSKB
				}
				metrics.HeapUsedKB = stats.HeapAllocKB
				metrics.HeapMaxKB = stats.HeapSizeKB
			}
		}
	}

	s.Memory = metrics
	return nil
}

// MeminfoStats is the parsed subset of a `dumpsys meminfo <pkg>` dump: the
// total PSS, its native and managed heap shares, and the runtime heap
// counters from the Dalvik Heap row.
type MeminfoStats struct {
	TotalPSSKB  uint64
	NativePSSKB uint64
	DalvikPSSKB uint64
	HeapSizeKB  uint64
	HeapAllocKB uint64
}

// ParseMeminfo extracts the PSS breakdown from `dumpsys meminfo <pkg>`
// output. The heap rows carry the PSS in their first numeric column and the
// Heap Size / Heap Alloc / Heap Free counters in their last three.
func ParseMeminfo(text string) (*MeminfoStats, bool) {
	total, ok := ParseTotalPSS(text)
	if !ok {
		return nil, false
	}
	stats := &MeminfoStats{TotalPSSKB: total}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		switch {
		case strings.HasPrefix(line, "Native Heap"):
			if len(fields) >= 3 {
				if v, err := strconv.ParseUint(fields[2], 10, 64); err == nil {
					stats.NativePSSKB = v
				}
			}
		case strings.HasPrefix(line, "Dalvik Heap"):
			if len(fields) >= 3 {
				if v, err := strconv.ParseUint(fields[2], 10, 64); err == nil {
					stats.DalvikPSSKB = v
				}
			}
			if len(fields) >= 6 {
				if v, err := strconv.ParseUint(fields[len(fields)-3], 10, 64); err == nil {
					stats.HeapSizeKB = v
				}
				if v, err := strconv.ParseUint(fields[len(fields)-2], 10, 64); err == nil {
					stats.HeapAllocKB = v
				}
			}
		}
	}
	return stats, true
}

// ParseTotalPSS extracts the total PSS in kB from `dumpsys meminfo <pkg>`
// output. Newer releases print "TOTAL PSS: <n>"; older ones print a "TOTAL"
// row whose first numeric column is the PSS.
func ParseTotalPSS(text string) (uint64, bool) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if after, found := strings.CutPrefix(line, "TOTAL PSS:"); found {
			fields := strings.Fields(after)
			if len(fields) > 0 {
				if v, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
					return v, true
				}
			}
			continue
		}
		if strings.HasPrefix(line, "TOTAL") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					return v, true
				}
			}
		}
	}
	return 0, false
}
