package plugin

import (
	"context"

	"github.com/autotest/device-agent/pkg/capability"
	"github.com/autotest/device-agent/pkg/router"
	"github.com/autotest/device-agent/pkg/shell"
)

// State is the lifecycle position of a plugin instance.
type State string

const (
	StateLoaded      State = "LOADED"
	StateInitialized State = "INITIALIZED"
	StateStarted     State = "STARTED"
	StateStopped     State = "STOPPED"
	StateError       State = "ERROR"
)

// Context is the narrow slice of agent facilities exposed to plugins.
type Context struct {
	AgentVersion string
	Capabilities capability.Snapshot
	DataDir      string
	Shell        shell.Executor

	// EmitEvent pushes an event envelope to connected event-channel clients.
	EmitEvent func(method string, params map[string]any)

	// Bus is the in-process topic bus shared by all plugins.
	Bus *Bus
}

// Plugin is the contract a bundle's entry point must satisfy. Handlers are
// registered on the command router while the plugin is started and removed
// when it stops.
type Plugin interface {
	Initialize(ctx context.Context, env *Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Handlers() []router.Handler
}

// Destroyer is the optional final-cleanup hook. A plugin implementing it has
// Destroy called once, after Stop, when the registry unloads it.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// Factory builds a plugin instance from its manifest. Factories are bound to
// manifest entry_point names.
type Factory func(manifest *Manifest) (Plugin, error)
