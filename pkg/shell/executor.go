// Package shell executes device shell commands, optionally through the
// privileged su path. Strategies and handlers depend on the Executor
// interface, never on os/exec directly.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Result carries the outcome of one shell invocation. A non-zero exit code is
// not an error at this layer; callers decide what it means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs a single shell line and returns its outcome.
type Executor interface {
	Run(ctx context.Context, command string, privileged bool) (*Result, error)
}

// Func adapts a function to the Executor interface. Used heavily in tests.
type Func func(ctx context.Context, command string, privileged bool) (*Result, error)

func (f Func) Run(ctx context.Context, command string, privileged bool) (*Result, error) {
	return f(ctx, command, privileged)
}

// DefaultTimeout bounds commands whose context carries no deadline.
const DefaultTimeout = 30 * time.Second

// ExecRunner is the production Executor backed by os/exec. Privileged
// commands are wrapped in `su -c`.
type ExecRunner struct {
	ShellPath string
	SuPath    string
}

// NewExecRunner returns an Executor using the standard sh and su binaries.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{ShellPath: "sh", SuPath: "su"}
}

func (r *ExecRunner) Run(ctx context.Context, command string, privileged bool) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if privileged {
		cmd = exec.CommandContext(ctx, r.SuPath, "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, r.ShellPath, "-c", command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

// DetectPrivileged probes whether the su path yields a root shell.
func DetectPrivileged(ctx context.Context, e Executor) bool {
	res, err := e.Run(ctx, "id", true)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return strings.Contains(res.Stdout, "uid=0")
}

// DetectAPILevel reads the platform API level from the build properties.
// Returns 0 when the property is unavailable.
func DetectAPILevel(ctx context.Context, e Executor) int {
	res, err := e.Run(ctx, "getprop ro.build.version.sdk", false)
	if err != nil || res.ExitCode != 0 {
		return 0
	}
	level, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0
	}
	return level
}

// GetProp reads a single system property, trimming trailing whitespace.
func GetProp(ctx context.Context, e Executor, name string) string {
	res, err := e.Run(ctx, "getprop "+name, false)
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}
