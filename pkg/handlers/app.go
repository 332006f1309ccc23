package handlers

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
)

// PackageInfo is the parsed subset of `dumpsys package` the agent reports.
type PackageInfo struct {
	VersionName      string `json:"versionName,omitempty"`
	VersionCode      int    `json:"versionCode,omitempty"`
	UserID           int    `json:"userId,omitempty"`
	FirstInstallTime string `json:"firstInstallTime,omitempty"`
	LastUpdateTime   string `json:"lastUpdateTime,omitempty"`
}

var (
	versionCodeRe = regexp.MustCompile(`versionCode=(\d+)`)
	userIDRe      = regexp.MustCompile(`userId=(\d+)`)
	permissionRe  = regexp.MustCompile(`^([\w.\-]+): granted=(true|false)`)
	totalTimeRe   = regexp.MustCompile(`TotalTime:\s*(\d+)`)
)

// ParsePackageList extracts package names from `pm list packages` output.
func ParsePackageList(out string) []string {
	var packages []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if name, found := strings.CutPrefix(line, "package:"); found && name != "" {
			packages = append(packages, name)
		}
	}
	return packages
}

// ParsePackageInfo extracts version and install details from
// `dumpsys package <pkg>` output. ok is false when the package section is
// absent.
func ParsePackageInfo(out string) (*PackageInfo, bool) {
	if !strings.Contains(out, "Package [") {
		return nil, false
	}
	info := &PackageInfo{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "versionName="):
			info.VersionName = strings.TrimPrefix(line, "versionName=")
		case strings.HasPrefix(line, "versionCode="):
			if m := versionCodeRe.FindStringSubmatch(line); m != nil {
				info.VersionCode, _ = strconv.Atoi(m[1])
			}
		case strings.HasPrefix(line, "userId="):
			if m := userIDRe.FindStringSubmatch(line); m != nil {
				info.UserID, _ = strconv.Atoi(m[1])
			}
		case strings.HasPrefix(line, "firstInstallTime="):
			info.FirstInstallTime = strings.TrimPrefix(line, "firstInstallTime=")
		case strings.HasPrefix(line, "lastUpdateTime="):
			info.LastUpdateTime = strings.TrimPrefix(line, "lastUpdateTime=")
		}
	}
	return info, true
}

// ParsePermissions splits the runtime permission lines of `dumpsys package`
// into granted and denied sets.
func ParsePermissions(out string) (granted, denied []string) {
	seen := map[string]bool{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		m := permissionRe.FindStringSubmatch(line)
		if m == nil || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		if m[2] == "true" {
			granted = append(granted, m[1])
		} else {
			denied = append(denied, m[1])
		}
	}
	return granted, denied
}

func registerApp(rt *router.Router, d *Deps) {
	rt.Register(router.Func{
		Name:       "app.launch",
		ValidateFn: requireStringAny("packageName", "package"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			pkg, _ := stringParamAny(req.Params, "packageName", "package")
			if boolParamAny(req.Params, "clearState", "clear_state") {
				res, err := d.Exec.Run(ctx, "pm clear "+pkg, false)
				if err != nil || !strings.Contains(res.Stdout, "Success") {
					return nil, protocol.NewAgentErrorf(protocol.CodeAppNotInstalled,
						"clear %s failed", pkg)
				}
			}
			var cmd string
			if activity, ok := stringParam(req.Params, "activity"); ok && activity != "" {
				cmd = fmt.Sprintf("am start -W -n %s/%s", pkg, activity)
			} else {
				cmd = fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", pkg)
			}
			started := time.Now()
			res, err := d.Exec.Run(ctx, cmd, false)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeAppLaunchTimeout,
					"launch %s: %v", pkg, err)
			}
			out := res.Stdout + res.Stderr
			switch {
			case strings.Contains(out, "does not exist") ||
				strings.Contains(out, "No activities found") ||
				strings.Contains(out, "monkey aborted"):
				return nil, protocol.NewAgentErrorf(protocol.CodeAppNotInstalled,
					"package %s is not installed", pkg)
			case res.ExitCode != 0 || strings.Contains(out, "Error"):
				return nil, protocol.NewAgentErrorf(protocol.CodeAppLaunchTimeout,
					"launch %s failed: %s", pkg, strings.TrimSpace(out))
			}
			// am start -W reports the measured launch time; the monkey path
			// falls back to wall time.
			launchMs := int(time.Since(started).Milliseconds())
			if m := totalTimeRe.FindStringSubmatch(out); m != nil {
				launchMs, _ = strconv.Atoi(m[1])
			}
			if boolParamAny(req.Params, "waitForIdle", "wait_for_idle") {
				d.waitForFocus(ctx, pkg)
			}
			return map[string]any{
				"success":      true,
				"packageName":  pkg,
				"launchTimeMs": launchMs,
			}, nil
		},
	})

	rt.Register(router.Func{
		Name:       "app.stop",
		ValidateFn: requireStringAny("packageName", "package"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			pkg, _ := stringParamAny(req.Params, "packageName", "package")
			res, err := d.Exec.Run(ctx, "am force-stop "+pkg, false)
			if err != nil || res.ExitCode != 0 {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"force-stop %s failed", pkg)
			}
			return map[string]any{"success": true}, nil
		},
	})

	rt.Register(router.Func{
		Name:       "app.clear",
		ValidateFn: requireStringAny("packageName", "package"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			pkg, _ := stringParamAny(req.Params, "packageName", "package")
			res, err := d.Exec.Run(ctx, "pm clear "+pkg, false)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"pm clear %s: %v", pkg, err)
			}
			if !strings.Contains(res.Stdout, "Success") {
				return nil, protocol.NewAgentErrorf(protocol.CodeAppNotInstalled,
					"clear %s failed: %s", pkg, strings.TrimSpace(res.Stdout+res.Stderr))
			}
			return map[string]any{"success": true}, nil
		},
	})

	rt.Register(router.Func{
		Name:       "app.install",
		ValidateFn: requireString("path"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			path, _ := stringParam(req.Params, "path")
			flags := ""
			if boolParamAny(req.Params, "replace", "reinstall") {
				flags += " -r"
			}
			if boolParamAny(req.Params, "grantPermissions", "grant_permissions") {
				flags += " -g"
			}
			res, err := d.Exec.Run(ctx, "pm install"+flags+" "+shellQuote(path), false)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeAppInstallFailed,
					"install %s: %v", path, err)
			}
			out := res.Stdout + res.Stderr
			if !strings.Contains(out, "Success") {
				return nil, protocol.NewAgentErrorf(protocol.CodeAppInstallFailed,
					"install %s failed: %s", path, strings.TrimSpace(out))
			}
			return map[string]any{"success": true}, nil
		},
	})

	rt.Register(router.Func{
		Name:       "app.uninstall",
		ValidateFn: requireStringAny("packageName", "package"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			pkg, _ := stringParamAny(req.Params, "packageName", "package")
			flags := ""
			if boolParamAny(req.Params, "keepData", "keep_data") {
				flags = " -k"
			}
			res, err := d.Exec.Run(ctx, "pm uninstall"+flags+" "+pkg, false)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"uninstall %s: %v", pkg, err)
			}
			out := res.Stdout + res.Stderr
			if !strings.Contains(out, "Success") {
				if strings.Contains(out, "not installed") || strings.Contains(out, "Unknown package") {
					return nil, protocol.NewAgentErrorf(protocol.CodeAppNotInstalled,
						"package %s is not installed", pkg)
				}
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"uninstall %s failed: %s", pkg, strings.TrimSpace(out))
			}
			return map[string]any{"success": true}, nil
		},
	})

	rt.Register(router.Func{
		Name: "app.list",
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			cmd := "pm list packages"
			switch filter, _ := stringParam(req.Params, "filter"); filter {
			case "", "all":
			case "user":
				cmd += " -3"
			case "system":
				cmd += " -s"
			default:
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"unknown filter %q", filter)
			}
			res, err := d.Exec.Run(ctx, cmd, false)
			if err != nil || res.ExitCode != 0 {
				return nil, protocol.NewAgentError(protocol.CodeInternalError,
					"failed to list packages")
			}
			packages := ParsePackageList(res.Stdout)
			return map[string]any{"packages": packages, "count": len(packages)}, nil
		},
	})

	rt.Register(router.Func{
		Name:       "app.info",
		ValidateFn: requireStringAny("packageName", "package"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			pkg, _ := stringParamAny(req.Params, "packageName", "package")
			res, err := d.Exec.Run(ctx, "dumpsys package "+pkg, false)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"dumpsys package %s: %v", pkg, err)
			}
			info, ok := ParsePackageInfo(res.Stdout)
			if !ok {
				return nil, protocol.NewAgentErrorf(protocol.CodeAppNotInstalled,
					"package %s is not installed", pkg)
			}
			running := d.packageRunning(ctx, pkg)
			return map[string]any{
				"packageName":      pkg,
				"versionName":      info.VersionName,
				"versionCode":      info.VersionCode,
				"firstInstallTime": info.FirstInstallTime,
				"lastUpdateTime":   info.LastUpdateTime,
				"isRunning":        running,
				"running":          running,
			}, nil
		},
	})

	rt.Register(router.Func{
		Name:       "app.permissions",
		ValidateFn: requireStringAny("packageName", "package"),
		HandleFn: func(ctx context.Context, req *router.Request) (any, error) {
			pkg, _ := stringParamAny(req.Params, "packageName", "package")

			// Grants and revocations apply before the state is read back, so
			// the response reflects the final permission set.
			for _, perm := range stringSliceParam(req.Params, "grant") {
				cmd := fmt.Sprintf("pm grant %s %s", pkg, perm)
				if res, err := d.Exec.Run(ctx, cmd, false); err != nil || res.ExitCode != 0 {
					return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
						"grant %s to %s failed", perm, pkg)
				}
			}
			for _, perm := range stringSliceParam(req.Params, "revoke") {
				cmd := fmt.Sprintf("pm revoke %s %s", pkg, perm)
				if res, err := d.Exec.Run(ctx, cmd, false); err != nil || res.ExitCode != 0 {
					return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
						"revoke %s from %s failed", perm, pkg)
				}
			}

			res, err := d.Exec.Run(ctx, "dumpsys package "+pkg, false)
			if err != nil {
				return nil, protocol.NewAgentErrorf(protocol.CodeInternalError,
					"dumpsys package %s: %v", pkg, err)
			}
			if _, ok := ParsePackageInfo(res.Stdout); !ok {
				return nil, protocol.NewAgentErrorf(protocol.CodeAppNotInstalled,
					"package %s is not installed", pkg)
			}
			granted, denied := ParsePermissions(res.Stdout)
			if granted == nil {
				granted = []string{}
			}
			if denied == nil {
				denied = []string{}
			}
			return map[string]any{"granted": granted, "denied": denied}, nil
		},
	})
}

// packageRunning reports whether a process with the package's name exists.
func (d *Deps) packageRunning(ctx context.Context, pkg string) bool {
	res, err := d.Exec.Run(ctx, "pidof "+pkg, false)
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != ""
}

// waitForFocus polls the window manager until the package holds input focus,
// giving up quietly after a few seconds.
func (d *Deps) waitForFocus(ctx context.Context, pkg string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := d.Exec.Run(ctx, "dumpsys window", false)
		if err == nil && res.ExitCode == 0 && strings.Contains(res.Stdout, pkg+"/") {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}
