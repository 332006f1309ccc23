// Package handlers implements the agent's closed command catalogue: the
// system.*, device.*, ui.*, app.* and perf.* method families registered on
// the command router.
package handlers

import (
	"context"
	"fmt"

	"github.com/autotest/device-agent/pkg/capability"
	"github.com/autotest/device-agent/pkg/perf"
	"github.com/autotest/device-agent/pkg/plugin"
	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
	"github.com/autotest/device-agent/pkg/shell"
)

// ToastSource reports the most recently observed toast.
type ToastSource interface {
	LastToast() (text string, timestamp int64, ok bool)
}

// Deps carries the collaborators the handler families operate on.
type Deps struct {
	Version  string
	Exec     shell.Executor
	Resolver *capability.Resolver
	Plugins  *plugin.Registry
	Perf     *perf.Engine
	Settings *Settings

	// Toast is nil when no accessibility bridge is connected.
	Toast ToastSource

	// SendFrame pushes a frame onto the binary channel, returning the number
	// of clients reached.
	SendFrame func(ctx context.Context, frame *protocol.Frame) int

	// PublishEvent pushes an event envelope to event-channel subscribers.
	PublishEvent func(method string, params map[string]any)

	// Shutdown asks the agent to stop; invoked by system.shutdown.
	Shutdown func()

	stream perfStream
}

// RegisterAll binds every built-in handler family onto the router.
func RegisterAll(rt *router.Router, d *Deps) {
	registerSystem(rt, d)
	registerDevice(rt, d)
	registerUI(rt, d)
	registerApp(rt, d)
	registerPerf(rt, d)
}

// Parameter accessors. Envelope params arrive as generic JSON, so numbers are
// float64 and need narrowing.

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intParam(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func intParamDefault(params map[string]any, key string, def int) int {
	if v, ok := intParam(params, key); ok {
		return v
	}
	return def
}

// intParamAny reads the first present key; earlier keys win. Used where the
// wire name and an older snake_case alias both remain accepted.
func intParamAny(params map[string]any, def int, keys ...string) int {
	for _, key := range keys {
		if v, ok := intParam(params, key); ok {
			return v
		}
	}
	return def
}

func boolParamAny(params map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := params[key]; ok {
			return boolParam(params, key)
		}
	}
	return false
}

// stringParamAny reads the first present non-empty key.
func stringParamAny(params map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := stringParam(params, key); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// requireStringAny is a Validate helper accepting any one of several names
// for a mandatory string parameter. The first name is the canonical one
// reported on failure.
func requireStringAny(keys ...string) func(map[string]any) error {
	return func(params map[string]any) error {
		if _, ok := stringParamAny(params, keys...); !ok {
			return fmt.Errorf("parameter %q is required", keys[0])
		}
		return nil
	}
}

func boolParam(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func floatParamDefault(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	if f, ok := v.(float64); ok {
		return f
	}
	return def
}

// stringSliceParam reads a JSON string array; non-string entries are skipped.
func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapParam(params map[string]any, key string) (map[string]any, bool) {
	v, ok := params[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// requireString is a Validate helper for mandatory string parameters.
func requireString(key string) func(map[string]any) error {
	return func(params map[string]any) error {
		if s, ok := stringParam(params, key); !ok || s == "" {
			return fmt.Errorf("parameter %q is required", key)
		}
		return nil
	}
}
