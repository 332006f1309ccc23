package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
)

// Info is the externally visible summary of one plugin instance.
type Info struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	DisplayName string `json:"displayName,omitempty"`
	State       State  `json:"state"`
}

// instance tracks one loaded plugin and the handlers it registered.
type instance struct {
	manifest   *Manifest
	plugin     Plugin
	state      State
	dir        string
	registered []string
}

// Registry owns plugin discovery, lifecycle and handler registration.
type Registry struct {
	router *router.Router

	// buildContext mints a fresh plugin context, capturing the current
	// capability snapshot.
	buildContext func() *Context

	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]*instance
}

// NewRegistry creates a registry that registers plugin handlers on rt.
func NewRegistry(rt *router.Router, buildContext func() *Context) *Registry {
	return &Registry{
		router:       rt,
		buildContext: buildContext,
		factories:    make(map[string]Factory),
		instances:    make(map[string]*instance),
	}
}

// RegisterFactory binds a factory to a manifest entry_point name.
func (r *Registry) RegisterFactory(entryPoint string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[entryPoint] = f
}

// Load reads a bundle directory, verifies its requirements and creates the
// plugin instance in the LOADED state.
func (r *Registry) Load(dir string) (*Manifest, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, protocol.NewAgentErrorf(protocol.CodePluginLoadFailed, "load plugin: %v", err)
	}

	env := r.buildContext()
	if m.MinAgentVersion != "" && CompareVersions(env.AgentVersion, m.MinAgentVersion) < 0 {
		return nil, protocol.NewAgentErrorf(protocol.CodePluginLoadFailed,
			"plugin %s requires agent >= %s, running %s", m.ID, m.MinAgentVersion, env.AgentVersion)
	}
	for _, capName := range m.RequiredCapabilities {
		if !hasCapability(env, capName) {
			return nil, protocol.NewAgentErrorf(protocol.CodePluginLoadFailed,
				"plugin %s requires capability %s", m.ID, capName)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[m.ID]; exists {
		return nil, protocol.NewAgentErrorf(protocol.CodePluginLoadFailed,
			"plugin %s is already loaded", m.ID)
	}
	factory, ok := r.factories[m.EntryPoint]
	if !ok {
		return nil, protocol.NewAgentErrorf(protocol.CodePluginLoadFailed,
			"plugin %s: unknown entry point %s", m.ID, m.EntryPoint)
	}
	p, err := factory(m)
	if err != nil {
		return nil, protocol.NewAgentErrorf(protocol.CodePluginLoadFailed,
			"plugin %s: factory failed: %v", m.ID, err)
	}

	r.instances[m.ID] = &instance{manifest: m, plugin: p, state: StateLoaded, dir: dir}
	slog.Info("Plugin loaded", "plugin_id", m.ID, "version", m.Version)
	return m, nil
}

func hasCapability(env *Context, name string) bool {
	switch name {
	case "privileged_shell":
		return env.Capabilities.PrivilegedShell
	case "accessibility":
		return env.Capabilities.Accessibility
	default:
		return false
	}
}

// Start drives a loaded plugin through initialization and startup. Handlers
// registered before a failed start are rolled back and the plugin lands in
// ERROR.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return protocol.NewAgentErrorf(protocol.CodePluginLoadFailed, "plugin %s is not loaded", id)
	}
	if inst.state == StateStarted {
		r.mu.Unlock()
		return nil
	}
	for _, dep := range inst.manifest.Dependencies {
		depInst, ok := r.instances[dep]
		if !ok || depInst.state != StateStarted {
			r.mu.Unlock()
			return protocol.NewAgentErrorf(protocol.CodePluginDependencyMissing,
				"plugin %s requires %s to be started", id, dep)
		}
	}
	r.mu.Unlock()

	env := r.buildContext()
	if err := inst.plugin.Initialize(ctx, env); err != nil {
		r.setState(id, StateError)
		return protocol.NewAgentErrorf(protocol.CodePluginInitFailed,
			"plugin %s initialization failed: %v", id, err)
	}
	r.setState(id, StateInitialized)

	var registered []string
	for _, h := range inst.plugin.Handlers() {
		r.router.Register(h)
		registered = append(registered, h.Method())
	}

	if err := inst.plugin.Start(ctx); err != nil {
		for _, method := range registered {
			r.router.Unregister(method)
		}
		r.setState(id, StateError)
		return protocol.NewAgentErrorf(protocol.CodePluginInitFailed,
			"plugin %s start failed: %v", id, err)
	}

	r.mu.Lock()
	inst.registered = registered
	inst.state = StateStarted
	r.mu.Unlock()
	slog.Info("Plugin started", "plugin_id", id, "handlers", len(registered))
	return nil
}

// Stop halts a started plugin and removes its handlers. Stopping a plugin
// that never started is a no-op.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return protocol.NewAgentErrorf(protocol.CodePluginLoadFailed, "plugin %s is not loaded", id)
	}
	if inst.state != StateStarted {
		r.mu.Unlock()
		return nil
	}
	registered := inst.registered
	inst.registered = nil
	r.mu.Unlock()

	for _, method := range registered {
		r.router.Unregister(method)
	}
	if err := inst.plugin.Stop(ctx); err != nil {
		slog.Warn("Plugin stop reported error", "plugin_id", id, "error", err)
	}
	r.setState(id, StateStopped)
	slog.Info("Plugin stopped", "plugin_id", id)
	return nil
}

// Unload stops a plugin if needed, runs its Destroy hook when it has one and
// forgets it.
func (r *Registry) Unload(ctx context.Context, id string) error {
	if err := r.Stop(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	inst := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()

	if inst != nil {
		if d, ok := inst.plugin.(Destroyer); ok {
			if err := d.Destroy(ctx); err != nil {
				slog.Warn("Plugin destroy reported error", "plugin_id", id, "error", err)
			}
		}
	}
	slog.Info("Plugin unloaded", "plugin_id", id)
	return nil
}

func (r *Registry) setState(id string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		inst.state = s
	}
}

// StateOf returns the lifecycle state of a plugin.
func (r *Registry) StateOf(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return "", false
	}
	return inst.state, true
}

// List returns a sorted summary of every known plugin.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.instances))
	for _, inst := range r.instances {
		infos = append(infos, Info{
			ID:          inst.manifest.ID,
			Version:     inst.manifest.Version,
			DisplayName: inst.manifest.DisplayName,
			State:       inst.state,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// LoadedIDs returns the sorted ids of all loaded plugins.
func (r *Registry) LoadedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// idForDir maps a bundle directory back to its plugin id, for the directory
// watcher's unload path.
func (r *Registry) idForDir(dir string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, inst := range r.instances {
		if inst.dir == dir {
			return id, true
		}
	}
	return "", false
}

// LoadDir discovers every bundle under pluginsDir and loads it. Individual
// failures are logged; discovery continues.
func (r *Registry) LoadDir(pluginsDir string) error {
	entries, err := os.ReadDir(pluginsDir)
	if os.IsNotExist(err) {
		slog.Info("Plugins directory absent, skipping", "dir", pluginsDir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plugins dir %s: %w", pluginsDir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(pluginsDir, entry.Name())
		if _, statErr := os.Stat(filepath.Join(dir, ManifestFileName)); statErr != nil {
			continue
		}
		if _, loadErr := r.Load(dir); loadErr != nil {
			slog.Warn("Plugin load failed", "dir", dir, "error", loadErr)
		}
	}
	return nil
}

// StartAll starts every loaded plugin, honoring declared dependencies by
// retrying until no further progress is possible.
func (r *Registry) StartAll(ctx context.Context) {
	for {
		progressed := false
		for _, id := range r.LoadedIDs() {
			state, _ := r.StateOf(id)
			if state != StateLoaded && state != StateStopped {
				continue
			}
			if err := r.Start(ctx, id); err != nil {
				var agentErr *protocol.AgentError
				if errors.As(err, &agentErr) && agentErr.Code == protocol.CodePluginDependencyMissing {
					continue // a later pass may satisfy the dependency
				}
				slog.Warn("Plugin start failed", "plugin_id", id, "error", err)
			} else {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// StopAll stops every started plugin.
func (r *Registry) StopAll(ctx context.Context) {
	for _, id := range r.LoadedIDs() {
		if state, _ := r.StateOf(id); state == StateStarted {
			_ = r.Stop(ctx, id)
		}
	}
}
