package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autotest/device-agent/pkg/capability"
	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
	"github.com/autotest/device-agent/pkg/ui"
)

const doubleClickGap = 100 * time.Millisecond

// elementNotFound is the in-result failure for interaction methods: a missed
// selector is an expected outcome, not a protocol error.
func elementNotFound() map[string]any {
	return map[string]any{"success": false, "error": "Element not found"}
}

func (d *Deps) dumpHierarchy(ctx context.Context) (*ui.Element, error) {
	h, err := d.Resolver.ResolveHierarchy()
	if err != nil {
		return nil, err
	}
	return h.Dump(ctx)
}

// findFirst compiles the selector and locates its first pre-order match.
// A nil element with nil error means the selector simply missed.
func (d *Deps) findFirst(ctx context.Context, selectorMap map[string]any) (*ui.Element, error) {
	sel, err := ui.SelectorFromMap(selectorMap)
	if err != nil {
		return nil, protocol.NewAgentErrorf(protocol.CodeInternalError, "invalid selector: %v", err)
	}
	root, err := d.dumpHierarchy(ctx)
	if err != nil {
		return nil, err
	}
	return sel.FindFirst(root), nil
}

func requireSelector(params map[string]any) error {
	if _, ok := mapParam(params, "selector"); !ok {
		return fmt.Errorf("parameter %q is required", "selector")
	}
	return nil
}

// requireTarget admits either a selector or explicit x/y coordinates.
func requireTarget(params map[string]any) error {
	if _, ok := mapParam(params, "selector"); ok {
		return nil
	}
	_, hasX := intParam(params, "x")
	_, hasY := intParam(params, "y")
	if hasX && hasY {
		return nil
	}
	return fmt.Errorf("parameter %q or coordinates %q/%q are required", "selector", "x", "y")
}

func registerUI(rt *router.Router, d *Deps) {
	rt.Register(router.Func{
		Name: "ui.find",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			// An absent or empty selector matches every element.
			selectorMap, _ := mapParam(req.Params, "selector")
			sel, err := ui.SelectorFromMap(selectorMap)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError, "invalid selector: %v", err)
			}
			root, err := d.dumpHierarchy(ctx)
			if err != nil {
				return nil, err
			}
			matches := sel.FindAll(root)
			if matches == nil {
				matches = []*ui.Element{}
			}
			return map[string]any{
				"found":    len(matches) > 0,
				"count":    len(matches),
				"elements": matches,
			}, nil
		},
	})

	rt.Register(router.Func{
		Name: "ui.dump",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			root, err := d.dumpHierarchy(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"hierarchy": root}, nil
		},
	})

	rt.Register(router.Func{
		Name:       "ui.click",
		ValidateFn: requireTarget,
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			return d.clickHandler(ctx, req, func(ctx context.Context, in capability.InputStrategy, x, y int) error {
				return in.Tap(ctx, x, y)
			})
		},
	})

	rt.Register(router.Func{
		Name:       "ui.longClick",
		ValidateFn: requireTarget,
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			duration := intParamAny(req.Params, 500, "durationMs", "duration")
			return d.clickHandler(ctx, req, func(ctx context.Context, in capability.InputStrategy, x, y int) error {
				return in.LongTap(ctx, x, y, duration)
			})
		},
	})

	rt.Register(router.Func{
		Name:       "ui.doubleClick",
		ValidateFn: requireTarget,
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			return d.clickHandler(ctx, req, func(ctx context.Context, in capability.InputStrategy, x, y int) error {
				if err := in.Tap(ctx, x, y); err != nil {
					return err
				}
				time.Sleep(doubleClickGap)
				return in.Tap(ctx, x, y)
			})
		},
	})

	rt.Register(router.Func{
		Name:       "ui.type",
		ValidateFn: requireString("text"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			input, err := d.Resolver.ResolveInput()
			if err != nil {
				return nil, err
			}
			text, _ := stringParam(req.Params, "text")
			if selectorMap, ok := mapParam(req.Params, "selector"); ok {
				el, err := d.findFirst(ctx, selectorMap)
				if err != nil {
					return nil, err
				}
				if el == nil {
					return elementNotFound(), nil
				}
				cx, cy := el.Bounds.Center()
				if err := input.Tap(ctx, cx, cy); err != nil {
					return nil, err
				}
			}
			if err := input.Text(ctx, text); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})

	rt.Register(router.Func{
		Name: "ui.swipe",
		ValidateFn: func(params map[string]any) error {
			for _, key := range []string{"x1", "y1", "x2", "y2"} {
				if _, ok := intParam(params, key); !ok {
					return fmt.Errorf("parameter %q is required", key)
				}
			}
			return nil
		},
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			input, err := d.Resolver.ResolveInput()
			if err != nil {
				return nil, err
			}
			x1, _ := intParam(req.Params, "x1")
			y1, _ := intParam(req.Params, "y1")
			x2, _ := intParam(req.Params, "x2")
			y2, _ := intParam(req.Params, "y2")
			duration := intParamDefault(req.Params, "duration", 300)
			if err := input.Swipe(ctx, x1, y1, x2, y2, duration); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})

	rt.Register(router.Func{
		Name: "ui.scroll",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			return d.scrollHandler(ctx, req)
		},
	})

	rt.Register(router.Func{
		Name:       "ui.waitFor",
		ValidateFn: requireSelector,
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			return d.waitForHandler(ctx, req)
		},
	})

	rt.Register(router.Func{
		Name: "ui.toast",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			if d.Toast == nil {
				return map[string]any{"found": false}, nil
			}
			text, timestamp, ok := d.Toast.LastToast()
			if !ok {
				return map[string]any{"found": false}, nil
			}
			return map[string]any{"found": true, "text": text, "timestamp": timestamp}, nil
		},
	})

	rt.Register(router.Func{
		Name: "ui.gesture",
		ValidateFn: func(params map[string]any) error {
			points, ok := params["points"].([]any)
			if !ok || len(points) < 2 {
				return fmt.Errorf("parameter %q requires at least 2 points", "points")
			}
			return nil
		},
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			input, err := d.Resolver.ResolveInput()
			if err != nil {
				return nil, err
			}
			raw := req.Params["points"].([]any)
			points := make([]capability.Point, 0, len(raw))
			for _, p := range raw {
				pm, ok := p.(map[string]any)
				if !ok {
					return nil, protocol.NewAgentError(protocol.CodeInternalError,
						"points must be objects with x and y")
				}
				x, _ := intParam(pm, "x")
				y, _ := intParam(pm, "y")
				points = append(points, capability.Point{X: x, Y: y})
			}
			duration := intParamDefault(req.Params, "duration", 500)
			if err := input.Gesture(ctx, points, duration); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})

	rt.Register(router.Func{
		Name: "ui.pinch",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			return d.pinchHandler(ctx, req)
		},
	})
}

// clickHandler shares the act-at-point shape of the click family. A selector
// is resolved to the center of its first match; bare x/y are used directly.
func (d *Deps) clickHandler(ctx context.Context, req *router.Request,
	act func(ctx context.Context, in capability.InputStrategy, x, y int) error) (any, error) {

	input, err := d.Resolver.ResolveInput()
	if err != nil {
		return nil, err
	}

	var cx, cy int
	if selectorMap, ok := mapParam(req.Params, "selector"); ok {
		el, err := d.findFirst(ctx, selectorMap)
		if err != nil {
			return nil, err
		}
		if el == nil {
			return elementNotFound(), nil
		}
		cx, cy = el.Bounds.Center()
	} else {
		cx, _ = intParam(req.Params, "x")
		cy, _ = intParam(req.Params, "y")
	}

	if err := act(ctx, input, cx, cy); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "x": cx, "y": cy}, nil
}

func (d *Deps) scrollHandler(ctx context.Context, req *router.Request) (any, error) {
	input, err := d.Resolver.ResolveInput()
	if err != nil {
		return nil, err
	}

	direction, _ := stringParam(req.Params, "direction")
	if direction == "" {
		direction = "down"
	}

	// Scroll within the selected container, or the whole screen.
	var bounds ui.Bounds
	if selectorMap, ok := mapParam(req.Params, "selector"); ok {
		el, err := d.findFirst(ctx, selectorMap)
		if err != nil {
			return nil, err
		}
		if el == nil {
			return elementNotFound(), nil
		}
		bounds = el.Bounds
	} else {
		w, h := d.screenSize(ctx)
		bounds = ui.Bounds{Left: 0, Top: 0, Right: w, Bottom: h}
	}

	fraction := floatParamDefault(req.Params, "distance", 0.5)
	if fraction <= 0 || fraction > 1 {
		fraction = 0.5
	}
	cx, cy := bounds.Center()
	dx := int(float64(bounds.Width()) * fraction / 2)
	dy := int(float64(bounds.Height()) * fraction / 2)

	var x1, y1, x2, y2 int
	switch direction {
	case "down": // content moves up: finger swipes upward
		x1, y1, x2, y2 = cx, cy+dy, cx, cy-dy
	case "up":
		x1, y1, x2, y2 = cx, cy-dy, cx, cy+dy
	case "left":
		x1, y1, x2, y2 = cx+dx, cy, cx-dx, cy
	case "right":
		x1, y1, x2, y2 = cx-dx, cy, cx+dx, cy
	default:
		return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
			"unknown scroll direction %q", direction)
	}

	duration := intParamDefault(req.Params, "duration", 300)
	if err := input.Swipe(ctx, x1, y1, x2, y2, duration); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "direction": direction}, nil
}

func (d *Deps) waitForHandler(ctx context.Context, req *router.Request) (any, error) {
	selectorMap, _ := mapParam(req.Params, "selector")
	sel, err := ui.SelectorFromMap(selectorMap)
	if err != nil {
		return nil, protocol.NewAgentErrorf(protocol.CodeInternalError, "invalid selector: %v", err)
	}

	condition, _ := stringParam(req.Params, "condition")
	switch condition {
	case "", "exists", "appear":
		condition = "exists"
	case "gone":
	default:
		return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
			"unknown wait condition %q", condition)
	}

	defaultPoll, defaultTimeout := d.Settings.WaitDefaults()
	pollMs := intParamAny(req.Params, defaultPoll, "pollInterval", "poll_ms")
	timeoutMs := intParamAny(req.Params, defaultTimeout, "timeout", "timeout_ms")
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	for {
		root, err := d.dumpHierarchy(ctx)
		if err != nil {
			return nil, err
		}
		match := sel.FindFirst(root) != nil
		satisfied := match
		if condition == "gone" {
			satisfied = !match
		}
		if satisfied {
			return map[string]any{"found": true, "timed_out": false}, nil
		}
		if !time.Now().Before(deadline) {
			// On timeout "found" reports the element's presence under the
			// waited-for condition: a "gone" wait timing out means the
			// element is still there.
			return map[string]any{"found": condition == "gone", "timed_out": true}, nil
		}
		select {
		case <-ctx.Done():
			return nil, protocol.NewAgentError(protocol.CodeTimeout, "wait canceled")
		case <-time.After(time.Duration(pollMs) * time.Millisecond):
		}
	}
}

func (d *Deps) pinchHandler(ctx context.Context, req *router.Request) (any, error) {
	input, err := d.Resolver.ResolveInput()
	if err != nil {
		return nil, err
	}

	direction, _ := stringParam(req.Params, "direction")
	if direction == "" {
		direction = "out"
	}
	if direction != "in" && direction != "out" {
		return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
			"pinch direction must be \"in\" or \"out\", got %q", direction)
	}

	var cx, cy int
	if selectorMap, ok := mapParam(req.Params, "selector"); ok {
		el, err := d.findFirst(ctx, selectorMap)
		if err != nil {
			return nil, err
		}
		if el == nil {
			return elementNotFound(), nil
		}
		cx, cy = el.Bounds.Center()
	} else if x, ok := intParam(req.Params, "x"); ok {
		cx = x
		cy, _ = intParam(req.Params, "y")
	} else {
		w, h := d.screenSize(ctx)
		cx, cy = w/2, h/2
	}

	distance := intParamDefault(req.Params, "distance", 200)
	duration := intParamDefault(req.Params, "duration", 300)

	// Two radial swipes running concurrently, mirrored around the center.
	type stroke struct{ x1, y1, x2, y2 int }
	var strokes [2]stroke
	if direction == "out" {
		strokes[0] = stroke{cx, cy, cx - distance, cy}
		strokes[1] = stroke{cx, cy, cx + distance, cy}
	} else {
		strokes[0] = stroke{cx - distance, cy, cx, cy}
		strokes[1] = stroke{cx + distance, cy, cx, cy}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, st := range strokes {
		wg.Add(1)
		go func(i int, st stroke) {
			defer wg.Done()
			errs[i] = input.Swipe(ctx, st.x1, st.y1, st.x2, st.y2, duration)
		}(i, st)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"success": true, "direction": direction}, nil
}
