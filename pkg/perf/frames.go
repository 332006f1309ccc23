package perf

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	"github.com/autotest/device-agent/pkg/shell"
)

// Frame timing thresholds in milliseconds: a frame slower than two vsync
// periods is jank, slower than four is big jank.
const (
	jankThresholdMs    = 33.34
	bigJankThresholdMs = 66.68
)

// FrameCollector reports rendering throughput for a target package. The
// primary source is SurfaceFlinger's per-frame latency log; when that yields
// nothing it falls back to the aggregate gfxinfo counters.
type FrameCollector struct {
	Exec    shell.Executor
	Package string

	lastPresentNs int64

	// Cumulative frame count and wall time feed the session-average fps.
	cumFrames    int
	cumElapsedNs int64

	gfxSeen      bool
	lastGfxTotal int
	lastGfxJanky int
}

func NewFrameCollector(exec shell.Executor, pkg string) *FrameCollector {
	return &FrameCollector{Exec: exec, Package: pkg}
}

func (c *FrameCollector) Name() string { return "frames" }

func (c *FrameCollector) Collect(ctx context.Context, s *Sample) error {
	if c.Package == "" || c.Exec == nil {
		return nil
	}

	res, err := c.Exec.Run(ctx, "dumpsys SurfaceFlinger --latency "+c.Package, false)
	if err == nil && res.ExitCode == 0 {
		presents := ParseLatencyTimestamps(res.Stdout)
		fresh := presents
		if c.lastPresentNs > 0 {
			fresh = fresh[:0]
			for _, ts := range presents {
				if ts > c.lastPresentNs {
					fresh = append(fresh, ts)
				}
			}
		}
		if len(presents) > 0 {
			c.lastPresentNs = presents[len(presents)-1]
		}
		if len(fresh) >= 2 {
			fps, jank, bigJank := FrameStats(fresh)
			c.cumFrames += len(fresh) - 1
			c.cumElapsedNs += fresh[len(fresh)-1] - fresh[0]
			metrics := &FrameMetrics{FPS: fps, JankCount: jank, BigJank: bigJank}
			if c.cumElapsedNs > 0 {
				metrics.AvgFPS = float64(c.cumFrames) / (float64(c.cumElapsedNs) / 1e9)
			}
			s.Frames = metrics
			return nil
		}
	}

	// Fallback: gfxinfo counters are cumulative, so report the delta since
	// the previous tick. The fps is unknown on this path.
	res, err = c.Exec.Run(ctx, "dumpsys gfxinfo "+c.Package, false)
	if err == nil && res.ExitCode == 0 {
		if total, janky, ok := ParseGfxinfo(res.Stdout); ok {
			metrics := &FrameMetrics{}
			if c.gfxSeen && janky >= c.lastGfxJanky {
				metrics.JankCount = janky - c.lastGfxJanky
			}
			c.gfxSeen = true
			c.lastGfxTotal = total
			c.lastGfxJanky = janky
			s.Frames = metrics
		}
	}
	return nil
}

// ParseLatencyTimestamps extracts frame present times (nanoseconds) from
// SurfaceFlinger latency output. Each data line has three columns; the middle
// one is the present time. Pending frames carry a sentinel of max int64 and
// are skipped.
func ParseLatencyTimestamps(text string) []int64 {
	const pendingSentinel = int64(9223372036854775807)
	var out []int64
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		present, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || present <= 0 || present == pendingSentinel {
			continue
		}
		out = append(out, present)
	}
	return out
}

// FrameStats derives fps and jank counts from consecutive present times.
func FrameStats(presentNs []int64) (fps float64, jank, bigJank int) {
	if len(presentNs) < 2 {
		return 0, 0, 0
	}
	elapsedNs := presentNs[len(presentNs)-1] - presentNs[0]
	if elapsedNs <= 0 {
		return 0, 0, 0
	}
	frames := len(presentNs) - 1
	fps = float64(frames) / (float64(elapsedNs) / 1e9)

	for i := 1; i < len(presentNs); i++ {
		deltaMs := float64(presentNs[i]-presentNs[i-1]) / 1e6
		if deltaMs > bigJankThresholdMs {
			bigJank++
			jank++
		} else if deltaMs > jankThresholdMs {
			jank++
		}
	}
	return fps, jank, bigJank
}

// ParseGfxinfo extracts the cumulative frame counters from `dumpsys gfxinfo`.
func ParseGfxinfo(text string) (total, janky int, ok bool) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if after, found := strings.CutPrefix(line, "Total frames rendered:"); found {
			if v, err := strconv.Atoi(strings.TrimSpace(after)); err == nil {
				total = v
				ok = true
			}
		}
		if after, found := strings.CutPrefix(line, "Janky frames:"); found {
			value := strings.TrimSpace(after)
			if idx := strings.IndexByte(value, ' '); idx > 0 {
				value = value[:idx]
			}
			if v, err := strconv.Atoi(value); err == nil {
				janky = v
			}
		}
	}
	return total, janky, ok
}
