// Package strategy provides the built-in backing implementations for the
// input, screen-capture and hierarchy operation families. The shell
// strategies drive the platform `input`, `screencap` and `uiautomator`
// tools; the accessibility strategies adapt an injected service bridge.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/autotest/device-agent/pkg/capability"
	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/shell"
	"github.com/autotest/device-agent/pkg/ui"
)

// ShellInput delivers input through the platform `input` tool. Registered as
// the privileged entry: without the privileged shell the tool can only reach
// the agent's own windows.
type ShellInput struct {
	Exec shell.Executor
}

func NewShellInput(exec shell.Executor) *ShellInput {
	return &ShellInput{Exec: exec}
}

func (s *ShellInput) Name() string            { return "shell" }
func (s *ShellInput) RequiresPrivilege() bool { return true }

func (s *ShellInput) run(ctx context.Context, command string) error {
	res, err := s.Exec.Run(ctx, command, true)
	if err != nil {
		return protocol.NewAgentErrorf(protocol.CodeGestureFailed, "input command failed: %v", err)
	}
	if res.ExitCode != 0 {
		return protocol.NewAgentErrorf(protocol.CodeGestureFailed,
			"input command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (s *ShellInput) Tap(ctx context.Context, x, y int) error {
	return s.run(ctx, fmt.Sprintf("input tap %d %d", x, y))
}

func (s *ShellInput) LongTap(ctx context.Context, x, y, durationMs int) error {
	// A zero-distance swipe holds the press for the requested duration.
	return s.run(ctx, fmt.Sprintf("input swipe %d %d %d %d %d", x, y, x, y, durationMs))
}

func (s *ShellInput) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	return s.run(ctx, fmt.Sprintf("input swipe %d %d %d %d %d", x1, y1, x2, y2, durationMs))
}

func (s *ShellInput) Key(ctx context.Context, keyCode int) error {
	return s.run(ctx, fmt.Sprintf("input keyevent %d", keyCode))
}

// escapeInputText prepares text for the `input text` tool: spaces become %s
// and shell metacharacters are backslash-escaped so the line survives sh -c.
func escapeInputText(text string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		" ", "%s",
		`"`, `\"`,
		`'`, `\'`,
		"&", `\&`,
		"<", `\<`,
		">", `\>`,
		"|", `\|`,
		";", `\;`,
		"(", `\(`,
		")", `\)`,
		"$", `\$`,
		"`", "\\`",
	)
	return replacer.Replace(text)
}

func (s *ShellInput) Text(ctx context.Context, text string) error {
	return s.run(ctx, "input text "+escapeInputText(text))
}

// Gesture approximates an arbitrary path with consecutive swipes, splitting
// the duration evenly across segments.
func (s *ShellInput) Gesture(ctx context.Context, points []capability.Point, durationMs int) error {
	if len(points) < 2 {
		return protocol.NewAgentError(protocol.CodeGestureFailed, "gesture requires at least 2 points")
	}
	segments := len(points) - 1
	perSegment := durationMs / segments
	if perSegment < 1 {
		perSegment = 1
	}
	for i := 0; i < segments; i++ {
		from, to := points[i], points[i+1]
		if err := s.Swipe(ctx, from.X, from.Y, to.X, to.Y, perSegment); err != nil {
			return err
		}
	}
	return nil
}

// ShellCapture takes screenshots with `screencap -p`. The tool itself works
// from an unprivileged shell, so the strategy registers twice: a privileged
// entry preferred under su and a plain one that keeps capture available
// without it.
type ShellCapture struct {
	Exec       shell.Executor
	Privileged bool
}

func NewShellCapture(exec shell.Executor, privileged bool) *ShellCapture {
	return &ShellCapture{Exec: exec, Privileged: privileged}
}

func (s *ShellCapture) Name() string {
	if s.Privileged {
		return "shell"
	}
	return "screencap"
}

func (s *ShellCapture) RequiresPrivilege() bool { return s.Privileged }

func (s *ShellCapture) Screenshot(ctx context.Context, quality int, scale float64) ([]byte, error) {
	res, err := s.Exec.Run(ctx, "screencap -p", s.Privileged)
	if err != nil {
		return nil, protocol.NewAgentErrorf(protocol.CodeDeviceOffline, "screencap failed: %v", err)
	}
	if res.ExitCode != 0 {
		return nil, protocol.NewAgentErrorf(protocol.CodePermissionDenied,
			"screencap exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return []byte(res.Stdout), nil
}

// ShellHierarchy snapshots the UI tree with `uiautomator dump`.
type ShellHierarchy struct {
	Exec shell.Executor
	// DumpPath is where uiautomator writes its XML before it is read back.
	DumpPath string
}

func NewShellHierarchy(exec shell.Executor) *ShellHierarchy {
	return &ShellHierarchy{Exec: exec, DumpPath: "/sdcard/window_dump.xml"}
}

func (s *ShellHierarchy) Name() string            { return "uiautomator" }
func (s *ShellHierarchy) RequiresPrivilege() bool { return false }

func (s *ShellHierarchy) Dump(ctx context.Context) (*ui.Element, error) {
	cmd := fmt.Sprintf("uiautomator dump %s >/dev/null 2>&1 && cat %s", s.DumpPath, s.DumpPath)
	res, err := s.Exec.Run(ctx, cmd, false)
	if err != nil {
		return nil, protocol.NewAgentErrorf(protocol.CodeHierarchyUnavailable, "uiautomator dump failed: %v", err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "<") {
		return nil, protocol.NewAgentErrorf(protocol.CodeHierarchyUnavailable,
			"uiautomator dump produced no hierarchy (exit %d)", res.ExitCode)
	}
	root, err := ui.ParseHierarchyXML([]byte(res.Stdout))
	if err != nil {
		return nil, protocol.NewAgentErrorf(protocol.CodeHierarchyUnavailable, "parse dump: %v", err)
	}
	return root, nil
}
