package perf

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotest/device-agent/pkg/protocol"
)

// seqCollector stamps a monotonically increasing value into the CPU section.
type seqCollector struct {
	n atomic.Int64
}

func (c *seqCollector) Name() string { return "seq" }

func (c *seqCollector) Collect(ctx context.Context, s *Sample) error {
	s.CPU = &CPUMetrics{SystemPercent: float64(c.n.Add(1))}
	return nil
}

func newSeqEngine() *Engine {
	return NewEngine(func(pkg string, metrics []string) []Collector {
		return []Collector{&seqCollector{}}
	})
}

func requirePerfCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	var agentErr *protocol.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, code, agentErr.Code)
}

func TestEngineLifecycle(t *testing.T) {
	e := newSeqEngine()

	_, err := e.Stop()
	requirePerfCode(t, err, protocol.CodePerfSessionNotFound)
	_, err = e.Snapshot(0)
	requirePerfCode(t, err, protocol.CodePerfSessionNotFound)

	id, err := e.Start("com.example.app", 20, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	active, ok := e.Active()
	assert.True(t, ok)
	assert.Equal(t, id, active)

	_, err = e.Start("com.other.app", 20, nil)
	requirePerfCode(t, err, protocol.CodePerfAlreadyRunning)

	require.Eventually(t, func() bool {
		samples, err := e.Snapshot(0)
		return err == nil && len(samples) >= 5
	}, 5*time.Second, 10*time.Millisecond)

	// Snapshot returns the newest samples, in order, without consuming them.
	all, err := e.Snapshot(0)
	require.NoError(t, err)
	last3, err := e.Snapshot(3)
	require.NoError(t, err)
	require.Len(t, last3, 3)
	assert.Equal(t, all[len(all)-1].CPU.SystemPercent, last3[2].CPU.SystemPercent)
	for i := 1; i < len(last3); i++ {
		assert.Greater(t, last3[i].CPU.SystemPercent, last3[i-1].CPU.SystemPercent)
	}

	summary, err := e.Stop()
	require.NoError(t, err)
	assert.Equal(t, id, summary.SessionID)
	assert.Equal(t, "com.example.app", summary.Package)
	assert.GreaterOrEqual(t, summary.SampleCount, 5)
	assert.Equal(t, float64(1), summary.Stats.MinCPU)
	assert.Equal(t, float64(summary.SampleCount), summary.Stats.MaxCPU)
	assert.Greater(t, summary.Stats.AvgCPU, summary.Stats.MinCPU)
	assert.Less(t, summary.Stats.AvgCPU, summary.Stats.MaxCPU)
	assert.Len(t, summary.Samples, summary.SampleCount)
	assert.GreaterOrEqual(t, summary.StoppedAt, summary.StartedAt)
	assert.Equal(t, summary.StoppedAt-summary.StartedAt, summary.DurationMs)

	_, ok = e.Active()
	assert.False(t, ok)
	_, err = e.Stop()
	requirePerfCode(t, err, protocol.CodePerfSessionNotFound)

	// A new session starts cleanly after stop.
	_, err = e.Start("", 20, nil)
	require.NoError(t, err)
	_, err = e.Stop()
	require.NoError(t, err)
}

func TestEngineCollectOnce(t *testing.T) {
	e := newSeqEngine()
	sample, err := e.CollectOnce(context.Background(), "com.example.app", []string{"cpu"})
	require.NoError(t, err)
	assert.Empty(t, sample.SessionID)
	assert.NotZero(t, sample.TimestampMs)
	require.NotNil(t, sample.CPU)
	// The warmup pass consumed the first value.
	assert.Equal(t, float64(2), sample.CPU.SystemPercent)
}

func TestEngineCollectOnceHonorsMetricSelection(t *testing.T) {
	var got []string
	e := NewEngine(func(pkg string, metrics []string) []Collector {
		got = metrics
		return []Collector{&seqCollector{}}
	})
	_, err := e.CollectOnce(context.Background(), "", []string{"cpu", "memory"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu", "memory"}, got)
}

func TestEngineStream(t *testing.T) {
	e := newSeqEngine()
	subID, ch := e.Subscribe()

	_, err := e.Start("", 20, nil)
	require.NoError(t, err)
	defer e.Stop()

	select {
	case sample := <-ch:
		assert.NotZero(t, sample.TimestampMs)
		require.NotNil(t, sample.CPU)
	case <-time.After(5 * time.Second):
		t.Fatal("no sample streamed")
	}

	e.Unsubscribe(subID)
	// Drain until the close is observed; the channel may hold buffered
	// samples published before unsubscribe.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed")
		}
	}
}

func TestHistoryEviction(t *testing.T) {
	e := newSeqEngine()
	s := &session{
		id:         "ring-test",
		intervalMs: 1000,
		collectors: []Collector{&seqCollector{}},
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < historyLimit+5; i++ {
		e.tick(s)
	}
	assert.Len(t, s.samples, historyLimit)
	// The five oldest samples were evicted.
	assert.Equal(t, float64(6), s.samples[0].CPU.SystemPercent)
	assert.Equal(t, float64(historyLimit+5), s.samples[historyLimit-1].CPU.SystemPercent)
}

func TestSummaryOfEmptySession(t *testing.T) {
	e := newSeqEngine()
	_, err := e.Start("", 60_000, nil)
	require.NoError(t, err)
	summary, err := e.Stop()
	require.NoError(t, err)
	assert.Zero(t, summary.SampleCount)
	assert.Zero(t, summary.Stats.AvgCPU)
	assert.Empty(t, summary.Samples)
}
