// Package agent assembles the device agent: capability detection, strategy
// registration, the command router with its handler families, the plugin
// registry and directory watcher, the performance engine and the
// three-channel transport.
package agent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/autotest/device-agent/pkg/auth"
	"github.com/autotest/device-agent/pkg/capability"
	"github.com/autotest/device-agent/pkg/config"
	"github.com/autotest/device-agent/pkg/handlers"
	"github.com/autotest/device-agent/pkg/perf"
	"github.com/autotest/device-agent/pkg/plugin"
	"github.com/autotest/device-agent/pkg/router"
	"github.com/autotest/device-agent/pkg/shell"
	"github.com/autotest/device-agent/pkg/strategy"
	"github.com/autotest/device-agent/pkg/transport"
	"github.com/autotest/device-agent/pkg/version"
)

// Options are the injectable collaborators of an Engine. Zero values select
// the production defaults.
type Options struct {
	Config *config.Config

	// Exec overrides the shell executor; nil selects the os/exec runner.
	Exec shell.Executor

	// Bridge is the optional accessibility-service effector. When present the
	// accessibility strategies are registered and the resolver prefers them
	// per its policies.
	Bridge strategy.Bridge
}

// Engine is the composed agent. Create with New, then Start; Stop tears the
// pieces down in reverse order.
type Engine struct {
	cfg  *config.Config
	exec shell.Executor

	resolver *capability.Resolver
	router   *router.Router
	plugins  *plugin.Registry
	watcher  *plugin.Watcher
	bus      *plugin.Bus
	perf     *perf.Engine
	server   *transport.Server
	deps     *handlers.Deps

	mu      sync.Mutex
	started bool

	// stopRequested is closed when system.shutdown asks the process to end.
	stopRequested chan struct{}
	stopOnce      sync.Once
}

// New wires an engine from options. Nothing touches the device until Start.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	exec := opts.Exec
	if exec == nil {
		exec = shell.NewExecRunner()
	}

	e := &Engine{
		cfg:           cfg,
		exec:          exec,
		resolver:      capability.NewResolver(),
		router:        router.New(),
		bus:           plugin.NewBus(),
		stopRequested: make(chan struct{}),
	}

	e.perf = perf.NewEngine(e.collectorsFor)

	e.plugins = plugin.NewRegistry(e.router, e.pluginContext)
	e.watcher = plugin.NewWatcher(e.plugins, cfg.PluginsDir)

	settings := handlers.NewSettings(cfg)
	e.deps = &handlers.Deps{
		Version:  version.Version,
		Exec:     exec,
		Resolver: e.resolver,
		Plugins:  e.plugins,
		Perf:     e.perf,
		Settings: settings,
		Shutdown: e.RequestStop,
	}

	e.registerStrategies(opts.Bridge)
	handlers.RegisterAll(e.router, e.deps)

	e.server = transport.NewServer(transport.Options{
		Config:      cfg,
		Auth:        auth.New(cfg.AuthToken),
		Router:      e.router,
		HelloParams: e.helloParams,
		// Keepalive cadence follows the runtime settings so system.configure
		// updates reach live connections.
		HeartbeatInterval: func() time.Duration {
			intervalMs, _ := settings.HeartbeatDefaults()
			return time.Duration(intervalMs) * time.Millisecond
		},
		HeartbeatTimeout: func() time.Duration {
			_, timeoutMs := settings.HeartbeatDefaults()
			return time.Duration(timeoutMs) * time.Millisecond
		},
	})
	e.deps.SendFrame = e.server.SendFrame
	e.deps.PublishEvent = e.server.PublishEvent

	return e
}

// registerStrategies installs the built-in strategies; the shell family is
// always present, the accessibility family only with a bridge.
func (e *Engine) registerStrategies(bridge strategy.Bridge) {
	e.resolver.RegisterInput(strategy.NewShellInput(e.exec))
	// screencap works without su; the unprivileged entry keeps capture
	// available on non-rooted devices.
	e.resolver.RegisterCapture(strategy.NewShellCapture(e.exec, true))
	e.resolver.RegisterCapture(strategy.NewShellCapture(e.exec, false))
	e.resolver.RegisterHierarchy(strategy.NewShellHierarchy(e.exec))

	if bridge != nil {
		e.resolver.RegisterInput(strategy.NewAccessibilityInput(bridge))
		e.resolver.RegisterHierarchy(strategy.NewAccessibilityHierarchy(bridge))
		e.deps.Toast = bridge
	}
}

// Start detects capabilities, loads plugins and brings the transport up. It
// returns once every channel is listening.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	e.detectCapabilities(ctx)

	if err := e.plugins.LoadDir(e.cfg.PluginsDir); err != nil {
		slog.Warn("Plugin directory scan failed", "dir", e.cfg.PluginsDir, "error", err)
	}
	e.plugins.StartAll(ctx)
	if err := e.watcher.Start(); err != nil {
		slog.Warn("Plugin watcher unavailable", "error", err)
	}

	if err := e.server.Start(); err != nil {
		e.watcher.Stop()
		e.plugins.StopAll(ctx)
		return err
	}

	e.started = true
	slog.Info("Agent started",
		"version", version.Full(),
		"control_addr", e.server.ControlAddr(),
		"binary_addr", e.server.BinaryAddr(),
		"event_addr", e.server.EventAddr(),
		"plugins", e.plugins.LoadedIDs())
	return nil
}

// Stop tears the agent down in reverse start order: transport first so no new
// commands arrive, then plugins, perf and the bus.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.server.Stop(ctx)
	e.watcher.Stop()
	e.plugins.StopAll(ctx)
	if _, err := e.perf.Stop(); err == nil {
		slog.Info("Perf session terminated by shutdown")
	}
	e.bus.Close()
	slog.Info("Agent stopped")
}

// RequestStop signals the process owner that the agent should exit. Wired to
// the system.shutdown command.
func (e *Engine) RequestStop() {
	e.stopOnce.Do(func() { close(e.stopRequested) })
}

// StopRequested is closed after a system.shutdown command.
func (e *Engine) StopRequested() <-chan struct{} {
	return e.stopRequested
}

// Router exposes the command router, mainly for tests and embedding.
func (e *Engine) Router() *router.Router { return e.router }

// Server exposes the transport, mainly for tests needing bound addresses.
func (e *Engine) Server() *transport.Server { return e.server }

// Plugins exposes the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Resolver exposes the capability resolver.
func (e *Engine) Resolver() *capability.Resolver { return e.resolver }

// detectCapabilities probes the device and installs the resulting flags.
func (e *Engine) detectCapabilities(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	caps := capability.Capabilities{
		PrivilegedShell:  shell.DetectPrivileged(probeCtx, e.exec),
		Accessibility:    e.deps.Toast != nil,
		PlatformAPILevel: shell.DetectAPILevel(probeCtx, e.exec),
	}
	e.resolver.UpdateCapabilities(caps)
	slog.Info("Capabilities detected",
		"privileged_shell", caps.PrivilegedShell,
		"accessibility", caps.Accessibility,
		"api_level", caps.PlatformAPILevel)
}

// helloParams is the system.hello payload for new control connections.
func (e *Engine) helloParams() map[string]any {
	return map[string]any{
		"agentVersion": version.Version,
		"capabilities": e.resolver.Snapshot(e.plugins.LoadedIDs()),
	}
}

// pluginContext builds the environment handed to plugins at initialization.
func (e *Engine) pluginContext() *plugin.Context {
	return &plugin.Context{
		AgentVersion: version.Version,
		Capabilities: e.resolver.Snapshot(e.plugins.LoadedIDs()),
		DataDir:      e.cfg.DataDir,
		Shell:        e.exec,
		EmitEvent:    func(method string, params map[string]any) { e.deps.PublishEvent(method, params) },
		Bus:          e.bus,
	}
}

// collectorsFor builds a fresh collector set per perf session, narrowed to
// the requested metric names when any are given. An app pid is resolved up
// front so the CPU collector can attribute usage.
func (e *Engine) collectorsFor(pkg string, metrics []string) []perf.Collector {
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
		collectors = append(collectors, perf.NewCPUCollector(e.pidOf(pkg)))
	}
	if wanted("memory") {
		collectors = append(collectors, perf.NewMemoryCollector(e.exec, pkg))
	}
	if wanted("network") {
		collectors = append(collectors, perf.NewNetworkCollector())
	}
	if wanted("battery") {
		collectors = append(collectors, perf.NewBatteryCollector(e.exec))
	}
	if wanted("fps") && pkg != "" {
		collectors = append(collectors, perf.NewFrameCollector(e.exec, pkg))
	}
	return collectors
}

// pidOf resolves the main pid of a package, 0 when it is not running.
func (e *Engine) pidOf(pkg string) int32 {
	if pkg == "" {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.exec.Run(ctx, "pidof "+pkg, false)
	if err != nil || res.ExitCode != 0 {
		return 0
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return int32(pid)
}
