// Package capability tracks detected device capabilities and the registered
// strategies for each operation family, and resolves the best available
// strategy for the current device state.
package capability

import (
	"context"

	"github.com/autotest/device-agent/pkg/ui"
)

// Point is one coordinate of a gesture path.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Strategy is the common surface of every registered backing implementation.
type Strategy interface {
	// Name is the stable registry key, e.g. "shell" or "accessibility".
	Name() string
	// RequiresPrivilege reports whether the strategy needs the privileged
	// shell.
	RequiresPrivilege() bool
}

// InputStrategy delivers touch and key input.
type InputStrategy interface {
	Strategy
	Tap(ctx context.Context, x, y int) error
	LongTap(ctx context.Context, x, y, durationMs int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error
	Key(ctx context.Context, keyCode int) error
	Text(ctx context.Context, text string) error
	Gesture(ctx context.Context, points []Point, durationMs int) error
}

// CaptureStrategy produces full-screen images.
type CaptureStrategy interface {
	Strategy
	// Screenshot returns PNG bytes. quality is 1..100, scale is 0..1;
	// implementations may ignore either.
	Screenshot(ctx context.Context, quality int, scale float64) ([]byte, error)
}

// HierarchyStrategy snapshots the UI tree.
type HierarchyStrategy interface {
	Strategy
	Dump(ctx context.Context) (*ui.Element, error)
}
