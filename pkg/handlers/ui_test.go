package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/shell"
	"github.com/autotest/device-agent/pkg/ui"
)

func okSelector() map[string]any {
	return map[string]any{"text": "OK"}
}

func missSelector() map[string]any {
	return map[string]any{"text": "No Such Button"}
}

func TestUIFind(t *testing.T) {
	f := newFixture(t)

	t.Run("single match", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.find", map[string]any{"selector": okSelector()}))
		assert.Equal(t, true, result["found"])
		assert.Equal(t, 1, result["count"])
		elements, ok := result["elements"].([]*ui.Element)
		require.True(t, ok)
		require.Len(t, elements, 1)
		assert.Equal(t, "com.example:id/ok", elements[0].ResourceID)
	})

	t.Run("class match", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.find", map[string]any{
			"selector": map[string]any{"className": "android.widget.Button"},
		}))
		assert.Equal(t, true, result["found"])
		assert.Equal(t, 1, result["count"])
	})

	t.Run("miss", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.find", map[string]any{"selector": missSelector()}))
		assert.Equal(t, false, result["found"])
		assert.Equal(t, 0, result["count"])
		elements, ok := result["elements"].([]*ui.Element)
		require.True(t, ok)
		assert.Empty(t, elements)
	})

	t.Run("empty selector returns everything", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.find", nil))
		assert.Equal(t, true, result["found"])
		assert.Equal(t, 3, result["count"])
	})
}

func TestUIDump(t *testing.T) {
	f := newFixture(t)
	result := resultMap(t, dispatch(t, f, "ui.dump", nil))
	root, ok := result["hierarchy"].(*ui.Element)
	require.True(t, ok)
	assert.Len(t, root.Children, 2)
}

func TestUIDumpUnavailable(t *testing.T) {
	f := newFixture(t)
	f.hierarchy.err = protocol.NewAgentError(protocol.CodeHierarchyUnavailable, "no dump")

	resp := dispatch(t, f, "ui.dump", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeHierarchyUnavailable, resp.Error.Code)
}

func TestUIClickHitsCenter(t *testing.T) {
	f := newFixture(t)
	result := resultMap(t, dispatch(t, f, "ui.click", map[string]any{"selector": okSelector()}))
	assert.Equal(t, true, result["success"])
	// Button bounds are [100,200][300,280]; the center is (200, 240).
	assert.Equal(t, 200, result["x"])
	assert.Equal(t, 240, result["y"])
	assert.Equal(t, []string{"tap 200 240"}, f.input.recordedActions())
}

func TestUIClickAtCoordinates(t *testing.T) {
	f := newFixture(t)
	result := resultMap(t, dispatch(t, f, "ui.click", map[string]any{
		"x": float64(200), "y": float64(240),
	}))
	assert.Equal(t, true, result["success"])
	assert.Equal(t, 200, result["x"])
	assert.Equal(t, 240, result["y"])
	assert.Equal(t, []string{"tap 200 240"}, f.input.recordedActions())
}

func TestUIClickWithoutTarget(t *testing.T) {
	f := newFixture(t)
	resp := dispatch(t, f, "ui.click", nil)
	require.NotNil(t, resp.Error)

	// One coordinate alone is not a target either.
	resp = dispatch(t, f, "ui.click", map[string]any{"x": float64(10)})
	require.NotNil(t, resp.Error)
}

func TestUIClickMissIsInResultFailure(t *testing.T) {
	f := newFixture(t)
	resp := dispatch(t, f, "ui.click", map[string]any{"selector": missSelector()})
	// The envelope is a success; the failure lives in the result.
	result := resultMap(t, resp)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, "Element not found", result["error"])
	assert.Empty(t, f.input.recordedActions())
}

func TestUILongClick(t *testing.T) {
	f := newFixture(t)
	resultMap(t, dispatch(t, f, "ui.longClick", map[string]any{
		"selector":   okSelector(),
		"durationMs": float64(800),
	}))
	assert.Equal(t, []string{"longtap 200 240 800"}, f.input.recordedActions())
}

func TestUILongClickAtCoordinates(t *testing.T) {
	f := newFixture(t)
	resultMap(t, dispatch(t, f, "ui.longClick", map[string]any{
		"x": float64(50), "y": float64(60),
	}))
	assert.Equal(t, []string{"longtap 50 60 500"}, f.input.recordedActions())
}

func TestUIDoubleClick(t *testing.T) {
	f := newFixture(t)
	resultMap(t, dispatch(t, f, "ui.doubleClick", map[string]any{"selector": okSelector()}))
	assert.Equal(t, []string{"tap 200 240", "tap 200 240"}, f.input.recordedActions())
}

func TestUIType(t *testing.T) {
	f := newFixture(t)

	t.Run("into selected field", func(t *testing.T) {
		resultMap(t, dispatch(t, f, "ui.type", map[string]any{
			"selector": okSelector(),
			"text":     "hello",
		}))
		assert.Equal(t, []string{"tap 200 240", "text hello"}, f.input.recordedActions())
	})

	t.Run("without selector", func(t *testing.T) {
		before := len(f.input.recordedActions())
		resultMap(t, dispatch(t, f, "ui.type", map[string]any{"text": "raw"}))
		assert.Equal(t, []string{"text raw"}, f.input.recordedActions()[before:])
	})

	t.Run("selector miss", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.type", map[string]any{
			"selector": missSelector(),
			"text":     "never",
		}))
		assert.Equal(t, false, result["success"])
	})
}

func TestUISwipe(t *testing.T) {
	f := newFixture(t)
	resultMap(t, dispatch(t, f, "ui.swipe", map[string]any{
		"x1": float64(10), "y1": float64(20), "x2": float64(30), "y2": float64(40),
	}))
	assert.Equal(t, []string{"swipe 10 20 30 40 300"}, f.input.recordedActions())

	resp := dispatch(t, f, "ui.swipe", map[string]any{"x1": float64(1)})
	require.NotNil(t, resp.Error)
}

func TestUIScrollDirections(t *testing.T) {
	f := newFixture(t)
	f.exec.on("wm size", &shell.Result{Stdout: "Physical size: 1000x2000\n"})

	result := resultMap(t, dispatch(t, f, "ui.scroll", nil))
	assert.Equal(t, "down", result["direction"])
	// Screen center (500,1000), vertical half-distance 500: finger moves up.
	assert.Equal(t, []string{"swipe 500 1500 500 500 300"}, f.input.recordedActions())

	resultMap(t, dispatch(t, f, "ui.scroll", map[string]any{"direction": "left"}))
	actions := f.input.recordedActions()
	assert.Equal(t, "swipe 750 1000 250 1000 300", actions[len(actions)-1])

	resp := dispatch(t, f, "ui.scroll", map[string]any{"direction": "sideways"})
	require.NotNil(t, resp.Error)
}

func TestUIWaitFor(t *testing.T) {
	f := newFixture(t)

	t.Run("default condition is exists", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.waitFor", map[string]any{"selector": okSelector()}))
		assert.Equal(t, true, result["found"])
		assert.Equal(t, false, result["timed_out"])
	})

	t.Run("exists condition", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.waitFor", map[string]any{
			"selector":  okSelector(),
			"condition": "exists",
		}))
		assert.Equal(t, true, result["found"])
		assert.Equal(t, false, result["timed_out"])
	})

	t.Run("gone times out while present", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.waitFor", map[string]any{
			"selector":  okSelector(),
			"condition": "gone",
		}))
		// The element never left, so it was found; the wait still timed out.
		assert.Equal(t, true, result["found"])
		assert.Equal(t, true, result["timed_out"])
	})

	t.Run("exists times out", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.waitFor", map[string]any{
			"selector":     missSelector(),
			"timeout":      float64(30),
			"pollInterval": float64(10),
		}))
		assert.Equal(t, false, result["found"])
		assert.Equal(t, true, result["timed_out"])
	})

	t.Run("unknown condition", func(t *testing.T) {
		resp := dispatch(t, f, "ui.waitFor", map[string]any{
			"selector":  okSelector(),
			"condition": "maybe",
		})
		require.NotNil(t, resp.Error)
	})
}

func TestUIToast(t *testing.T) {
	f := newFixture(t)

	t.Run("no bridge", func(t *testing.T) {
		result := resultMap(t, dispatch(t, f, "ui.toast", nil))
		assert.Equal(t, false, result["found"])
	})

	t.Run("with toast", func(t *testing.T) {
		f.deps.Toast = &stubToast{text: "Saved", ts: 1700000000000, ok: true}
		result := resultMap(t, dispatch(t, f, "ui.toast", nil))
		assert.Equal(t, true, result["found"])
		assert.Equal(t, "Saved", result["text"])
		assert.Equal(t, int64(1700000000000), result["timestamp"])
	})
}

func TestUIGesture(t *testing.T) {
	f := newFixture(t)
	resultMap(t, dispatch(t, f, "ui.gesture", map[string]any{
		"points": []any{
			map[string]any{"x": float64(0), "y": float64(0)},
			map[string]any{"x": float64(100), "y": float64(100)},
			map[string]any{"x": float64(200), "y": float64(0)},
		},
		"duration": float64(600),
	}))
	assert.Equal(t, []string{"gesture 3 points 600"}, f.input.recordedActions())

	resp := dispatch(t, f, "ui.gesture", map[string]any{
		"points": []any{map[string]any{"x": float64(0), "y": float64(0)}},
	})
	require.NotNil(t, resp.Error)
}

func TestUIPinch(t *testing.T) {
	f := newFixture(t)
	f.exec.on("wm size", &shell.Result{Stdout: "Physical size: 1000x2000\n"})

	result := resultMap(t, dispatch(t, f, "ui.pinch", map[string]any{
		"direction": "out",
		"distance":  float64(100),
	}))
	assert.Equal(t, true, result["success"])

	actions := f.input.recordedActions()
	require.Len(t, actions, 2)
	// Two mirrored strokes from the screen center, in either order.
	assert.ElementsMatch(t, []string{
		"swipe 500 1000 400 1000 300",
		"swipe 500 1000 600 1000 300",
	}, actions)

	resp := dispatch(t, f, "ui.pinch", map[string]any{"direction": "diagonal"})
	require.NotNil(t, resp.Error)
}
