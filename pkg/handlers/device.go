package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
)

// KEYCODE_WAKEUP on the platform.
const keycodeWakeup = 224

var (
	wmSizeRe    = regexp.MustCompile(`(?m)^(?:Physical|Override) size:\s*(\d+)x(\d+)`)
	wmDensityRe = regexp.MustCompile(`(?m)^(?:Physical|Override) density:\s*(\d+)`)
)

// ParseWMSize extracts width and height from `wm size` output. An override
// size, when present, wins over the physical one.
func ParseWMSize(out string) (width, height int, ok bool) {
	matches := wmSizeRe.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, 0, false
	}
	// The override line sorts after the physical one in the output.
	m := matches[len(matches)-1]
	width, _ = strconv.Atoi(m[1])
	height, _ = strconv.Atoi(m[2])
	return width, height, true
}

// ParseWMDensity extracts the dpi from `wm density` output, again letting an
// override win over the physical value.
func ParseWMDensity(out string) (int, bool) {
	matches := wmDensityRe.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, false
	}
	m := matches[len(matches)-1]
	density, _ := strconv.Atoi(m[1])
	return density, true
}

func (d *Deps) screenDensity(ctx context.Context) int {
	res, err := d.Exec.Run(ctx, "wm density", false)
	if err == nil && res.ExitCode == 0 {
		if density, ok := ParseWMDensity(res.Stdout); ok {
			return density
		}
	}
	return 0
}

func (d *Deps) screenSize(ctx context.Context) (int, int) {
	res, err := d.Exec.Run(ctx, "wm size", false)
	if err == nil && res.ExitCode == 0 {
		if w, h, ok := ParseWMSize(res.Stdout); ok {
			return w, h
		}
	}
	return 1080, 1920
}

// screenAwake reports whether the display power state is awake. Unreadable
// output counts as awake so device.wake stays a no-op on odd builds.
func (d *Deps) screenAwake(ctx context.Context) bool {
	res, err := d.Exec.Run(ctx, "dumpsys power", false)
	if err != nil || res.ExitCode != 0 {
		return true
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "mWakefulness=") {
			return strings.TrimPrefix(line, "mWakefulness=") == "Awake"
		}
	}
	return true
}

func (d *Deps) getprop(ctx context.Context, prop string) string {
	res, err := d.Exec.Run(ctx, "getprop "+prop, false)
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func registerDevice(rt *router.Router, d *Deps) {
	rt.Register(router.Func{
		Name: "device.info",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			width, height := d.screenSize(ctx)
			snap := d.Resolver.Snapshot(d.Plugins.LoadedIDs())
			return map[string]any{
				"manufacturer":    d.getprop(ctx, "ro.product.manufacturer"),
				"brand":           d.getprop(ctx, "ro.product.brand"),
				"model":           d.getprop(ctx, "ro.product.model"),
				"platformVersion": d.getprop(ctx, "ro.build.version.release"),
				"apiLevel":        snap.PlatformAPILevel,
				"serial":          d.getprop(ctx, "ro.serialno"),
				"screenWidth":     width,
				"screenHeight":    height,
				"density":         d.screenDensity(ctx),
				"privileged":      snap.PrivilegedShell,
				"agentVersion":    d.Version,
			}, nil
		},
	})

	rt.Register(router.Func{
		Name: "device.screenshot",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			capture, err := d.Resolver.ResolveCapture()
			if err != nil {
				return nil, err
			}
			quality := intParamDefault(req.Params, "quality", 80)
			scale := floatParamDefault(req.Params, "scale", 1.0)
			data, err := capture.Screenshot(ctx, quality, scale)
			if err != nil {
				return nil, err
			}

			if transport, _ := stringParam(req.Params, "transport"); transport == "binary" {
				delivered := 0
				if d.SendFrame != nil {
					delivered = d.SendFrame(ctx, &protocol.Frame{
						MessageID: req.ID,
						Kind:      protocol.PayloadScreenshotPNG,
						Data:      data,
					})
				}
				return map[string]any{
					"transport": "binary",
					"size":      len(data),
					"delivered": delivered,
				}, nil
			}
			return map[string]any{
				"format": "png",
				"size":   len(data),
				"data":   base64.StdEncoding.EncodeToString(data),
			}, nil
		},
	})

	rt.Register(router.Func{
		Name:       "device.shell",
		ValidateFn: requireString("command"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			command, _ := stringParam(req.Params, "command")
			privileged := boolParamAny(req.Params, "asRoot", "privileged")
			if privileged && !d.Resolver.Snapshot(nil).PrivilegedShell {
				return nil, protocol.NewAgentError(protocol.CodePrivilegeRequired,
					"privileged shell is not available")
			}
			res, err := d.Exec.Run(ctx, command, privileged)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError, "shell: %v", err)
			}
			return map[string]any{
				"exitCode": res.ExitCode,
				"stdout":   res.Stdout,
				"stderr":   res.Stderr,
			}, nil
		},
	})

	rt.Register(router.Func{
		Name: "device.inputKey",
		ValidateFn: func(params map[string]any) error {
			if _, ok := intParam(params, "keyCode"); ok {
				return nil
			}
			if _, ok := intParam(params, "keycode"); ok {
				return nil
			}
			return fmt.Errorf("parameter %q is required", "keyCode")
		},
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			input, err := d.Resolver.ResolveInput()
			if err != nil {
				return nil, err
			}
			keycode := intParamAny(req.Params, 0, "keyCode", "keycode")
			if err := input.Key(ctx, keycode); err != nil {
				return nil, err
			}
			return map[string]any{"success": true}, nil
		},
	})

	rt.Register(router.Func{
		Name: "device.wake",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			input, err := d.Resolver.ResolveInput()
			if err != nil {
				return nil, err
			}
			wasAsleep := !d.screenAwake(ctx)
			if wasAsleep {
				if err := input.Key(ctx, keycodeWakeup); err != nil {
					return nil, err
				}
			}
			return map[string]any{"success": true, "wasAsleep": wasAsleep}, nil
		},
	})

	rt.Register(router.Func{
		Name: "device.reboot",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			mode, ok := stringParam(req.Params, "mode")
			if !ok || mode == "" {
				mode = "normal"
			}
			var cmd string
			switch mode {
			case "normal":
				cmd = "reboot"
			case "recovery":
				cmd = "reboot recovery"
			case "bootloader":
				cmd = "reboot bootloader"
			default:
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"unknown reboot mode %q", mode)
			}
			if !d.Resolver.Snapshot(nil).PrivilegedShell {
				return nil, protocol.NewAgentError(protocol.CodePrivilegeRequired,
					"reboot requires the privileged shell")
			}
			if _, err := d.Exec.Run(ctx, cmd, true); err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError, "reboot: %v", err)
			}
			return map[string]any{"rebooting": true, "mode": mode}, nil
		},
	})

	rt.Register(router.Func{
		Name: "device.rotation",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			if rotation, ok := intParam(req.Params, "rotation"); ok {
				if rotation < 0 || rotation > 3 {
					return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
						"rotation must be 0-3, got %d", rotation)
				}
				cmds := []string{
					"settings put system accelerometer_rotation 0",
					fmt.Sprintf("settings put system user_rotation %d", rotation),
				}
				for _, cmd := range cmds {
					if res, err := d.Exec.Run(ctx, cmd, false); err != nil || res.ExitCode != 0 {
						return nil, protocol.NewAgentError(protocol.CodeInternalError,
							"failed to set rotation")
					}
				}
				return map[string]any{"rotation": rotation}, nil
			}

			res, err := d.Exec.Run(ctx, "settings get system user_rotation", false)
			if err != nil || res.ExitCode != 0 {
				return nil, protocol.NewAgentError(protocol.CodeInternalError,
					"failed to read rotation")
			}
			rotation, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
			if convErr != nil {
				rotation = 0
			}
			return map[string]any{"rotation": rotation}, nil
		},
	})

	rt.Register(router.Func{
		Name: "device.clipboard",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			if text, ok := stringParam(req.Params, "text"); ok {
				cmd := "cmd clipboard set-text " + shellQuote(text)
				if res, err := d.Exec.Run(ctx, cmd, false); err != nil || res.ExitCode != 0 {
					return nil, protocol.NewAgentError(protocol.CodeInternalError,
						"failed to set clipboard")
				}
				return map[string]any{"success": true}, nil
			}

			res, err := d.Exec.Run(ctx, "cmd clipboard get-text", false)
			if err != nil || res.ExitCode != 0 {
				return nil, protocol.NewAgentError(protocol.CodeInternalError,
					"failed to read clipboard")
			}
			return map[string]any{"text": strings.TrimSpace(res.Stdout)}, nil
		},
	})
}

// shellQuote single-quotes a value for sh, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
