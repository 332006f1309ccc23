package perf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autotest/device-agent/pkg/protocol"
)

// historyLimit bounds the retained sample history; older samples are evicted
// FIFO.
const historyLimit = 1000

// defaultIntervalMs is the sampling cadence when the caller does not choose
// one.
const defaultIntervalMs = 1000

// streamBufferSize bounds each stream subscription; slow consumers miss
// samples rather than stalling the sampling loop.
const streamBufferSize = 64

// SummaryStats are the aggregates computed over a session's samples.
type SummaryStats struct {
	AvgCPU      float64 `json:"avgCpu"`
	MinCPU      float64 `json:"minCpu"`
	MaxCPU      float64 `json:"maxCpu"`
	AvgMemoryKB uint64  `json:"avgMemory"`
	MaxMemoryKB uint64  `json:"maxMemory"`
	AvgFPS      float64 `json:"avgFps"`
	MinFPS      float64 `json:"minFps"`
	JankCount   int     `json:"jankCount"`
}

// Summary is the report produced when a session stops: the aggregates plus
// the retained data points.
type Summary struct {
	SessionID   string       `json:"sessionId"`
	Package     string       `json:"package,omitempty"`
	StartedAt   int64        `json:"startedAt"`
	StoppedAt   int64        `json:"stoppedAt"`
	DurationMs  int64        `json:"durationMs"`
	SampleCount int          `json:"sampleCount"`
	Stats       SummaryStats `json:"summary"`
	Samples     []Sample     `json:"dataPoints"`
}

// session is one running sampling run.
type session struct {
	id         string
	pkg        string
	intervalMs int
	collectors []Collector
	startedAt  int64

	mu      sync.Mutex
	samples []Sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Engine owns at most one sampling session at a time and fans samples out to
// stream subscribers.
type Engine struct {
	// newCollectors builds the collector set for a target package and metric
	// selection; empty package means system-only metrics, empty metrics means
	// every collector.
	newCollectors func(pkg string, metrics []string) []Collector

	mu      sync.Mutex
	current *session

	subMu sync.RWMutex
	subs  map[string]chan Sample
}

// NewEngine creates an engine. newCollectors is invoked at session start so
// every session gets fresh inter-tick collector state.
func NewEngine(newCollectors func(pkg string, metrics []string) []Collector) *Engine {
	return &Engine{
		newCollectors: newCollectors,
		subs:          make(map[string]chan Sample),
	}
}

// Start begins a sampling session. Only one session may run at a time.
func (e *Engine) Start(pkg string, intervalMs int, metrics []string) (string, error) {
	if intervalMs <= 0 {
		intervalMs = defaultIntervalMs
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		return "", protocol.NewAgentErrorf(protocol.CodePerfAlreadyRunning,
			"perf session %s already running", e.current.id)
	}

	s := &session{
		id:         uuid.NewString(),
		pkg:        pkg,
		intervalMs: intervalMs,
		collectors: e.newCollectors(pkg, metrics),
		startedAt:  time.Now().UnixMilli(),
		stopCh:     make(chan struct{}),
	}
	e.current = s

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e.run(s)
	}()
	slog.Info("Perf session started", "session_id", s.id, "package", pkg, "interval_ms", intervalMs)
	return s.id, nil
}

// Stop ends the running session and returns its summary.
func (e *Engine) Stop() (*Summary, error) {
	e.mu.Lock()
	s := e.current
	e.current = nil
	e.mu.Unlock()
	if s == nil {
		return nil, protocol.NewAgentError(protocol.CodePerfSessionNotFound, "no perf session running")
	}

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	summary := summarize(s)
	slog.Info("Perf session stopped", "session_id", s.id, "samples", summary.SampleCount)
	return summary, nil
}

// Snapshot returns a copy of the most recent samples without ending the
// session. limit <= 0 returns the whole retained history.
func (e *Engine) Snapshot(limit int) ([]Sample, error) {
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()
	if s == nil {
		return nil, protocol.NewAgentError(protocol.CodePerfSessionNotFound, "no perf session running")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.samples)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Sample, n)
	copy(out, s.samples[len(s.samples)-n:])
	return out, nil
}

// CollectOnce runs one standalone collection outside any session. Delta-based
// collectors are primed with a warmup pass so rates and percentages are
// meaningful in the returned sample.
func (e *Engine) CollectOnce(ctx context.Context, pkg string, metrics []string) (Sample, error) {
	collectors := e.newCollectors(pkg, metrics)

	warmup := Sample{TimestampMs: time.Now().UnixMilli()}
	collectInto(ctx, collectors, &warmup)

	select {
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}

	sample := Sample{TimestampMs: time.Now().UnixMilli()}
	collectInto(ctx, collectors, &sample)
	return sample, nil
}

// Active returns the running session id.
func (e *Engine) Active() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", false
	}
	return e.current.id, true
}

// Subscribe registers a lossy sample stream; the returned id releases it via
// Unsubscribe.
func (e *Engine) Subscribe() (string, <-chan Sample) {
	id := uuid.NewString()
	ch := make(chan Sample, streamBufferSize)
	e.subMu.Lock()
	e.subs[id] = ch
	e.subMu.Unlock()
	return id, ch
}

// Unsubscribe releases a stream subscription.
func (e *Engine) Unsubscribe(id string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if ch, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(ch)
	}
}

func (e *Engine) run(s *session) {
	ticker := time.NewTicker(time.Duration(s.intervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			e.tick(s)
		}
	}
}

// tick takes one sample, appends it to the bounded history and fans it out.
func (e *Engine) tick(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.intervalMs)*time.Millisecond)
	defer cancel()

	sample := Sample{SessionID: s.id, TimestampMs: time.Now().UnixMilli()}
	collectInto(ctx, s.collectors, &sample)

	s.mu.Lock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > historyLimit {
		s.samples = s.samples[len(s.samples)-historyLimit:]
	}
	s.mu.Unlock()

	e.broadcast(sample)
}

// collectInto runs every collector in parallel; each fills its own sample
// section.
func collectInto(ctx context.Context, collectors []Collector, sample *Sample) {
	var wg sync.WaitGroup
	for _, c := range collectors {
		wg.Add(1)
		go func(c Collector) {
			defer wg.Done()
			if err := c.Collect(ctx, sample); err != nil {
				slog.Debug("Collector failed", "collector", c.Name(), "error", err)
			}
		}(c)
	}
	wg.Wait()
}

func (e *Engine) broadcast(sample Sample) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for id, ch := range e.subs {
		select {
		case ch <- sample:
		default:
			slog.Debug("Slow perf stream subscriber, sample dropped", "subscriber_id", id)
		}
	}
}

func summarize(s *session) *Summary {
	s.mu.Lock()
	samples := make([]Sample, len(s.samples))
	copy(samples, s.samples)
	s.mu.Unlock()

	summary := &Summary{
		SessionID:   s.id,
		Package:     s.pkg,
		StartedAt:   s.startedAt,
		StoppedAt:   time.Now().UnixMilli(),
		SampleCount: len(samples),
		Samples:     samples,
	}
	summary.DurationMs = summary.StoppedAt - summary.StartedAt

	stats := &summary.Stats
	var cpuSum float64
	cpuN := 0
	var pssSum, pssN uint64
	var fpsSum float64
	fpsN := 0
	for _, sm := range samples {
		if sm.CPU != nil {
			v := sm.CPU.SystemPercent
			cpuSum += v
			if cpuN == 0 || v < stats.MinCPU {
				stats.MinCPU = v
			}
			if v > stats.MaxCPU {
				stats.MaxCPU = v
			}
			cpuN++
		}
		if sm.Memory != nil && sm.Memory.AppPSSKB > 0 {
			pssSum += sm.Memory.AppPSSKB
			if sm.Memory.AppPSSKB > stats.MaxMemoryKB {
				stats.MaxMemoryKB = sm.Memory.AppPSSKB
			}
			pssN++
		}
		if sm.Frames != nil {
			stats.JankCount += sm.Frames.JankCount
			if sm.Frames.FPS > 0 {
				fpsSum += sm.Frames.FPS
				if fpsN == 0 || sm.Frames.FPS < stats.MinFPS {
					stats.MinFPS = sm.Frames.FPS
				}
				fpsN++
			}
		}
	}
	if cpuN > 0 {
		stats.AvgCPU = cpuSum / float64(cpuN)
	}
	if pssN > 0 {
		stats.AvgMemoryKB = pssSum / pssN
	}
	if fpsN > 0 {
		stats.AvgFPS = fpsSum / float64(fpsN)
	}
	return summary
}
