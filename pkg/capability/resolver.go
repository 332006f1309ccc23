package capability

import (
	"sync"

	"github.com/autotest/device-agent/pkg/protocol"
)

// AccessibilityStrategyName is the registry name preferred by the input and
// hierarchy resolution policies when the accessibility service is available.
const AccessibilityStrategyName = "accessibility"

// Capabilities are the detected runtime flags the resolution policies key on.
type Capabilities struct {
	PrivilegedShell  bool `json:"privilegedShell"`
	Accessibility    bool `json:"accessibility"`
	PlatformAPILevel int  `json:"platformApiLevel"`
}

// ActiveStrategies names the strategy currently resolved per family. Empty
// when no strategy is available for a family.
type ActiveStrategies struct {
	Input     string `json:"input"`
	Capture   string `json:"capture"`
	Hierarchy string `json:"hierarchy"`
}

// Snapshot is the immutable view handed to handlers and plugins.
type Snapshot struct {
	Capabilities
	ActiveStrategies ActiveStrategies `json:"activeStrategyNames"`
	LoadedPluginIDs  []string         `json:"loadedPluginIds"`
}

// Resolver holds capability flags and the three insertion-ordered strategy
// registries. Registration is additive; resolution picks the first entry
// matching the current capabilities under the per-family policy.
type Resolver struct {
	mu sync.RWMutex

	caps Capabilities

	input     []InputStrategy
	capture   []CaptureStrategy
	hierarchy []HierarchyStrategy
}

// NewResolver creates an empty resolver with all capabilities off.
func NewResolver() *Resolver {
	return &Resolver{}
}

// UpdateCapabilities replaces the capability flags. Safe under concurrent
// resolution.
func (r *Resolver) UpdateCapabilities(caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps = caps
}

// Capabilities returns the current flags.
func (r *Resolver) Capabilities() Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps
}

// RegisterInput appends an input strategy to the registry.
func (r *Resolver) RegisterInput(s InputStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input = append(r.input, s)
}

// RegisterCapture appends a screen-capture strategy to the registry.
func (r *Resolver) RegisterCapture(s CaptureStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture = append(r.capture, s)
}

// RegisterHierarchy appends a hierarchy strategy to the registry.
func (r *Resolver) RegisterHierarchy(s HierarchyStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hierarchy = append(r.hierarchy, s)
}

// ResolveInput picks the input strategy: privileged when the privileged shell
// is available, else the accessibility strategy when the service is
// available, else the first non-privileged entry.
func (r *Resolver) ResolveInput() (InputStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.caps.PrivilegedShell {
		for _, s := range r.input {
			if s.RequiresPrivilege() {
				return s, nil
			}
		}
	}
	if r.caps.Accessibility {
		for _, s := range r.input {
			if s.Name() == AccessibilityStrategyName {
				return s, nil
			}
		}
	}
	for _, s := range r.input {
		if !s.RequiresPrivilege() {
			return s, nil
		}
	}
	return nil, protocol.NewAgentError(protocol.CodePrivilegeRequired, "no input strategy available")
}

// ResolveCapture picks the capture strategy: privileged (silent, no user
// prompt) when available, else the first non-privileged entry.
func (r *Resolver) ResolveCapture() (CaptureStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.caps.PrivilegedShell {
		for _, s := range r.capture {
			if s.RequiresPrivilege() {
				return s, nil
			}
		}
	}
	for _, s := range r.capture {
		if !s.RequiresPrivilege() {
			return s, nil
		}
	}
	return nil, protocol.NewAgentError(protocol.CodePrivilegeRequired, "no capture strategy available")
}

// ResolveHierarchy picks the hierarchy strategy: accessibility (live, cheap)
// when the service is available, else the first remaining entry.
func (r *Resolver) ResolveHierarchy() (HierarchyStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.caps.Accessibility {
		for _, s := range r.hierarchy {
			if s.Name() == AccessibilityStrategyName {
				return s, nil
			}
		}
	}
	for _, s := range r.hierarchy {
		if s.Name() != AccessibilityStrategyName || r.caps.Accessibility {
			return s, nil
		}
	}
	return nil, protocol.NewAgentError(protocol.CodeHierarchyUnavailable, "no hierarchy strategy available")
}

// Snapshot captures a consistent view for handlers and plugins. loadedPlugins
// is supplied by the plugin registry.
func (r *Resolver) Snapshot(loadedPlugins []string) Snapshot {
	snap := Snapshot{
		LoadedPluginIDs: append([]string(nil), loadedPlugins...),
	}
	if snap.LoadedPluginIDs == nil {
		snap.LoadedPluginIDs = []string{}
	}

	r.mu.RLock()
	snap.Capabilities = r.caps
	r.mu.RUnlock()

	if s, err := r.ResolveInput(); err == nil {
		snap.ActiveStrategies.Input = s.Name()
	}
	if s, err := r.ResolveCapture(); err == nil {
		snap.ActiveStrategies.Capture = s.Name()
	}
	if s, err := r.ResolveHierarchy(); err == nil {
		snap.ActiveStrategies.Hierarchy = s.Name()
	}
	return snap
}
