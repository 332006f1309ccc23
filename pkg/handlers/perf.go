package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/autotest/device-agent/pkg/perf"
	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
)

// perfStream pumps engine samples onto the event channel while streaming is
// enabled.
type perfStream struct {
	mu     sync.Mutex
	subID  string
	active bool
}

func registerPerf(rt *router.Router, d *Deps) {
	rt.Register(router.Func{
		Name: "perf.start",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			pkg, _ := stringParamAny(req.Params, "packageName", "package")
			intervalMs := intParamAny(req.Params, 0, "intervalMs", "interval_ms")
			metrics := stringSliceParam(req.Params, "metrics")
			sessionID, err := d.Perf.Start(pkg, intervalMs, metrics)
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessionId": sessionID}, nil
		},
	})

	rt.Register(router.Func{
		Name: "perf.stop",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			if err := d.checkPerfSession(req.Params); err != nil {
				return nil, err
			}
			summary, err := d.Perf.Stop()
			if err != nil {
				return nil, err
			}
			return summary, nil
		},
	})

	// perf.snapshot is a one-off collection independent of any session.
	rt.Register(router.Func{
		Name: "perf.snapshot",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			pkg, _ := stringParamAny(req.Params, "packageName", "package")
			metrics := stringSliceParam(req.Params, "metrics")
			sample, err := d.Perf.CollectOnce(ctx, pkg, metrics)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"snapshot: %v", err)
			}
			return sampleToMap(sample), nil
		},
	})

	rt.Register(router.Func{
		Name: "perf.stream",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			enable := true
			if v, ok := req.Params["enable"]; ok {
				enable, _ = v.(bool)
			}
			if enable {
				if err := d.checkPerfSession(req.Params); err != nil {
					return nil, err
				}
				return d.enablePerfStream()
			}
			return d.disablePerfStream()
		},
	})
}

// checkPerfSession rejects a request whose sessionId names anything but the
// running session. An absent sessionId addresses whatever is running.
func (d *Deps) checkPerfSession(params map[string]any) error {
	want, ok := stringParam(params, "sessionId")
	if !ok || want == "" {
		return nil
	}
	active, running := d.Perf.Active()
	if !running || active != want {
		return protocol.NewAgentErrorf(protocol.CodePerfSessionNotFound,
			"perf session %s not found", want)
	}
	return nil
}

func (d *Deps) enablePerfStream() (any, error) {
	d.stream.mu.Lock()
	defer d.stream.mu.Unlock()
	if d.stream.active {
		return map[string]any{"streaming": true}, nil
	}
	if d.PublishEvent == nil {
		return nil, protocol.NewAgentError(protocol.CodeInternalError,
			"event channel unavailable")
	}

	subID, ch := d.Perf.Subscribe()
	d.stream.subID = subID
	d.stream.active = true

	go func() {
		for sample := range ch {
			d.PublishEvent("perf.sample", sampleToMap(sample))
		}
	}()
	return map[string]any{"streaming": true}, nil
}

func (d *Deps) disablePerfStream() (any, error) {
	d.stream.mu.Lock()
	defer d.stream.mu.Unlock()
	if d.stream.active {
		d.Perf.Unsubscribe(d.stream.subID)
		d.stream.subID = ""
		d.stream.active = false
	}
	return map[string]any{"streaming": false}, nil
}

// sampleToMap converts a sample into the generic params shape of an event
// envelope.
func sampleToMap(sample perf.Sample) map[string]any {
	data, err := json.Marshal(sample)
	if err != nil {
		return map[string]any{"sessionId": sample.SessionID}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"sessionId": sample.SessionID}
	}
	return out
}
