package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
)

func registerSystem(rt *router.Router, d *Deps) {
	rt.Register(router.Func{
		Name: "system.capabilities",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			snap := d.Resolver.Snapshot(d.Plugins.LoadedIDs())
			return map[string]any{
				"agentVersion": d.Version,
				"capabilities": snap,
				"plugins":      d.Plugins.List(),
				"methods":      rt.Methods(),
			}, nil
		},
	})

	rt.Register(router.Func{
		Name: "system.heartbeat",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			result := map[string]any{
				"timestamp":   protocol.NowMillis(),
				"uptime":      int64(0),
				"freeMemory":  uint64(0),
				"totalMemory": uint64(0),
			}
			if uptime, err := host.UptimeWithContext(ctx); err == nil {
				result["uptime"] = int64(uptime)
			}
			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
				result["freeMemory"] = vm.Available
				result["totalMemory"] = vm.Total
			}
			return result, nil
		},
	})

	rt.Register(router.Func{
		Name: "system.configure",
		ValidateFn: func(params map[string]any) error {
			if len(params) == 0 {
				return fmt.Errorf("at least one setting is required")
			}
			return nil
		},
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			applied := map[string]any{}
			for key := range req.Params {
				value, ok := intParam(req.Params, key)
				if !ok {
					return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
						"setting %q must be an integer", key)
				}
				if err := d.Settings.Apply(key, value); err != nil {
					return nil, protocol.NewAgentErrorf(protocol.CodeInternalError, "%v", err)
				}
				applied[key] = value
			}
			slog.Info("Runtime settings updated", "applied", applied)
			return map[string]any{"applied": applied}, nil
		},
	})

	rt.Register(router.Func{
		Name: "system.shutdown",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			if d.Shutdown != nil {
				// Let the response leave before teardown begins.
				go func() {
					time.Sleep(100 * time.Millisecond)
					d.Shutdown()
				}()
			}
			return map[string]any{"stopping": true}, nil
		},
	})
}
