package strategy

import (
	"context"

	"github.com/autotest/device-agent/pkg/capability"
	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/ui"
)

// Bridge is the contract of the OS accessibility-service effector. The
// concrete bridge lives outside the agent core; the engine registers the
// accessibility strategies only when a bridge is supplied.
type Bridge interface {
	Tap(ctx context.Context, x, y int) error
	LongTap(ctx context.Context, x, y, durationMs int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error
	Key(ctx context.Context, keyCode int) error
	Text(ctx context.Context, text string) error
	Gesture(ctx context.Context, points []capability.Point, durationMs int) error

	// Hierarchy returns the live accessibility tree.
	Hierarchy(ctx context.Context) (*ui.Element, error)

	// LastToast returns the most recent toast text and its millisecond
	// timestamp; ok is false when none has been observed.
	LastToast() (text string, timestamp int64, ok bool)
}

// AccessibilityInput adapts the bridge into the input-strategy contract.
type AccessibilityInput struct {
	Bridge Bridge
}

func NewAccessibilityInput(b Bridge) *AccessibilityInput {
	return &AccessibilityInput{Bridge: b}
}

func (s *AccessibilityInput) Name() string            { return capability.AccessibilityStrategyName }
func (s *AccessibilityInput) RequiresPrivilege() bool { return false }

func (s *AccessibilityInput) Tap(ctx context.Context, x, y int) error {
	return s.Bridge.Tap(ctx, x, y)
}

func (s *AccessibilityInput) LongTap(ctx context.Context, x, y, durationMs int) error {
	return s.Bridge.LongTap(ctx, x, y, durationMs)
}

func (s *AccessibilityInput) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	return s.Bridge.Swipe(ctx, x1, y1, x2, y2, durationMs)
}

func (s *AccessibilityInput) Key(ctx context.Context, keyCode int) error {
	return s.Bridge.Key(ctx, keyCode)
}

func (s *AccessibilityInput) Text(ctx context.Context, text string) error {
	return s.Bridge.Text(ctx, text)
}

func (s *AccessibilityInput) Gesture(ctx context.Context, points []capability.Point, durationMs int) error {
	if len(points) < 2 {
		return protocol.NewAgentError(protocol.CodeGestureFailed, "gesture requires at least 2 points")
	}
	return s.Bridge.Gesture(ctx, points, durationMs)
}

// AccessibilityHierarchy adapts the bridge's live tree into the
// hierarchy-strategy contract.
type AccessibilityHierarchy struct {
	Bridge Bridge
}

func NewAccessibilityHierarchy(b Bridge) *AccessibilityHierarchy {
	return &AccessibilityHierarchy{Bridge: b}
}

func (s *AccessibilityHierarchy) Name() string            { return capability.AccessibilityStrategyName }
func (s *AccessibilityHierarchy) RequiresPrivilege() bool { return false }

func (s *AccessibilityHierarchy) Dump(ctx context.Context) (*ui.Element, error) {
	root, err := s.Bridge.Hierarchy(ctx)
	if err != nil {
		return nil, protocol.NewAgentErrorf(protocol.CodeHierarchyUnavailable,
			"accessibility hierarchy failed: %v", err)
	}
	return root, nil
}
