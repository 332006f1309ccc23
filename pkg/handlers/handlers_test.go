package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autotest/device-agent/pkg/capability"
	"github.com/autotest/device-agent/pkg/config"
	"github.com/autotest/device-agent/pkg/perf"
	"github.com/autotest/device-agent/pkg/plugin"
	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
	"github.com/autotest/device-agent/pkg/shell"
	"github.com/autotest/device-agent/pkg/ui"
)

// scriptedExec returns canned results keyed by command prefix and records
// every command line.
type scriptedExec struct {
	mu       sync.Mutex
	outputs  map[string]*shell.Result
	commands []string
}

func newScriptedExec() *scriptedExec {
	return &scriptedExec{outputs: map[string]*shell.Result{}}
}

func (e *scriptedExec) on(prefix string, res *shell.Result) {
	e.outputs[prefix] = res
}

func (e *scriptedExec) Run(ctx context.Context, command string, privileged bool) (*shell.Result, error) {
	e.mu.Lock()
	e.commands = append(e.commands, command)
	e.mu.Unlock()
	// Longest matching prefix wins so "pm list packages -3" can coexist with
	// "pm list packages".
	var best *shell.Result
	bestLen := -1
	for prefix, res := range e.outputs {
		if strings.HasPrefix(command, prefix) && len(prefix) > bestLen {
			best, bestLen = res, len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}
	return &shell.Result{}, nil
}

func (e *scriptedExec) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.commands))
	copy(out, e.commands)
	return out
}

// stubInput records input actions.
type stubInput struct {
	mu      sync.Mutex
	actions []string
	err     error
}

func (s *stubInput) Name() string            { return "stub" }
func (s *stubInput) RequiresPrivilege() bool { return false }

func (s *stubInput) record(action string) error {
	s.mu.Lock()
	s.actions = append(s.actions, action)
	s.mu.Unlock()
	return s.err
}

func (s *stubInput) Tap(ctx context.Context, x, y int) error {
	return s.record(fmt.Sprintf("tap %d %d", x, y))
}

func (s *stubInput) LongTap(ctx context.Context, x, y, durationMs int) error {
	return s.record(fmt.Sprintf("longtap %d %d %d", x, y, durationMs))
}

func (s *stubInput) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	return s.record(fmt.Sprintf("swipe %d %d %d %d %d", x1, y1, x2, y2, durationMs))
}

func (s *stubInput) Key(ctx context.Context, keyCode int) error {
	return s.record(fmt.Sprintf("key %d", keyCode))
}

func (s *stubInput) Text(ctx context.Context, text string) error {
	return s.record("text " + text)
}

func (s *stubInput) Gesture(ctx context.Context, points []capability.Point, durationMs int) error {
	return s.record(fmt.Sprintf("gesture %d points %d", len(points), durationMs))
}

func (s *stubInput) recordedActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.actions))
	copy(out, s.actions)
	return out
}

// stubCapture returns a fixed payload.
type stubCapture struct {
	data []byte
	err  error
}

func (s *stubCapture) Name() string            { return "stub" }
func (s *stubCapture) RequiresPrivilege() bool { return false }

func (s *stubCapture) Screenshot(ctx context.Context, quality int, scale float64) ([]byte, error) {
	return s.data, s.err
}

// stubHierarchy serves a fixed tree.
type stubHierarchy struct {
	root *ui.Element
	err  error
}

func (s *stubHierarchy) Name() string            { return "stub" }
func (s *stubHierarchy) RequiresPrivilege() bool { return false }

func (s *stubHierarchy) Dump(ctx context.Context) (*ui.Element, error) {
	return s.root, s.err
}

// stubToast replays a fixed toast.
type stubToast struct {
	text string
	ts   int64
	ok   bool
}

func (s *stubToast) LastToast() (string, int64, bool) { return s.text, s.ts, s.ok }

// testFixture bundles the handler dependencies with their fakes.
type testFixture struct {
	rt        *router.Router
	deps      *Deps
	exec      *scriptedExec
	input     *stubInput
	capture   *stubCapture
	hierarchy *stubHierarchy
	resolver  *capability.Resolver
	events    []*protocol.Message
	eventsMu  sync.Mutex
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		rt:        router.New(),
		exec:      newScriptedExec(),
		input:     &stubInput{},
		capture:   &stubCapture{data: []byte{0x89, 0x50, 0x4E, 0x47}},
		hierarchy: &stubHierarchy{root: sampleTree()},
		resolver:  capability.NewResolver(),
	}
	f.resolver.UpdateCapabilities(capability.Capabilities{PlatformAPILevel: 34})
	f.resolver.RegisterInput(f.input)
	f.resolver.RegisterCapture(f.capture)
	f.resolver.RegisterHierarchy(f.hierarchy)

	cfg := config.Defaults()
	cfg.WaitPollMs = 10
	cfg.WaitTimeoutMs = 50

	f.deps = &Deps{
		Version:  "1.0.0-test",
		Exec:     f.exec,
		Resolver: f.resolver,
		Plugins:  plugin.NewRegistry(f.rt, func() *plugin.Context { return &plugin.Context{} }),
		Perf: perf.NewEngine(func(pkg string, metrics []string) []perf.Collector {
			wanted := func(name string) bool {
				if len(metrics) == 0 {
					return true
				}
				for _, m := range metrics {
					if m == name {
						return true
					}
				}
				return false
			}
			var collectors []perf.Collector
			if wanted("cpu") {
				collectors = append(collectors, &countingCollector{})
			}
			if wanted("memory") {
				collectors = append(collectors, &memoryStampCollector{})
			}
			return collectors
		}),
		Settings: NewSettings(cfg),
		PublishEvent: func(method string, params map[string]any) {
			f.eventsMu.Lock()
			defer f.eventsMu.Unlock()
			f.events = append(f.events, protocol.NewEvent(method, params))
		},
	}
	RegisterAll(f.rt, f.deps)
	return f
}

// sampleTree is a small two-level hierarchy for selector tests.
func sampleTree() *ui.Element {
	return &ui.Element{
		Class:  "android.widget.FrameLayout",
		Bounds: ui.Bounds{Left: 0, Top: 0, Right: 1080, Bottom: 1920},
		Children: []*ui.Element{
			{
				Class:      "android.widget.Button",
				Text:       "OK",
				ResourceID: "com.example:id/ok",
				Clickable:  true,
				Bounds:     ui.Bounds{Left: 100, Top: 200, Right: 300, Bottom: 280},
			},
			{
				Class:  "android.widget.TextView",
				Text:   "Welcome",
				Bounds: ui.Bounds{Left: 0, Top: 0, Right: 1080, Bottom: 120},
			},
		},
	}
}

func dispatch(t *testing.T, f *testFixture, method string, params map[string]any) *protocol.Message {
	t.Helper()
	req := protocol.NewRequest(method, params)
	resp := f.rt.Dispatch(context.Background(), req)
	require.NotNil(t, resp)
	require.Equal(t, req.ID, resp.ID)
	return resp
}

func resultMap(t *testing.T, resp *protocol.Message) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok, "result is %T", resp.Result)
	return m
}

// countingCollector stamps an incrementing CPU value per tick.
type countingCollector struct {
	n int
}

func (c *countingCollector) Name() string { return "counting" }

func (c *countingCollector) Collect(ctx context.Context, s *perf.Sample) error {
	c.n++
	s.CPU = &perf.CPUMetrics{SystemPercent: float64(c.n)}
	return nil
}

// memoryStampCollector fills the memory section with a fixed value.
type memoryStampCollector struct{}

func (c *memoryStampCollector) Name() string { return "memory-stamp" }

func (c *memoryStampCollector) Collect(ctx context.Context, s *perf.Sample) error {
	s.Memory = &perf.MemoryMetrics{TotalKB: 4096, AvailableKB: 2048, UsedPercent: 50}
	return nil
}
