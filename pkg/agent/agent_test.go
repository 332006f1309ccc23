package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotest/device-agent/pkg/config"
	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/shell"
	"github.com/autotest/device-agent/pkg/version"
)

// fakeDeviceExec answers the capability probes like a rooted API 34 device
// and returns empty success for everything else.
func fakeDeviceExec() shell.Executor {
	return shell.Func(func(ctx context.Context, command string, privileged bool) (*shell.Result, error) {
		switch {
		case command == "id" && privileged:
			return &shell.Result{Stdout: "uid=0(root) gid=0(root)\n"}, nil
		case command == "getprop ro.build.version.sdk":
			return &shell.Result{Stdout: "34\n"}, nil
		case strings.HasPrefix(command, "pidof"):
			return &shell.Result{Stdout: "1234\n"}, nil
		}
		return &shell.Result{}, nil
	})
}

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Host = "127.0.0.1"
	cfg.ControlPort = 0
	cfg.BinaryPort = 0
	cfg.EventPort = 0
	cfg.PluginsDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	return cfg
}

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testEngineConfig(t)
	}
	if opts.Exec == nil {
		opts.Exec = fakeDeviceExec()
	}
	e := New(opts)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func TestEngineDetectsCapabilities(t *testing.T) {
	e := startEngine(t, Options{})

	caps := e.Resolver().Capabilities()
	assert.True(t, caps.PrivilegedShell)
	assert.False(t, caps.Accessibility)
	assert.Equal(t, 34, caps.PlatformAPILevel)

	hello := e.helloParams()
	assert.Equal(t, version.Version, hello["agentVersion"])
}

// unrootedDeviceExec mimics a production build: su is unavailable, everything
// else succeeds.
func unrootedDeviceExec() shell.Executor {
	return shell.Func(func(ctx context.Context, command string, privileged bool) (*shell.Result, error) {
		switch {
		case command == "id" && privileged:
			return &shell.Result{ExitCode: 127, Stderr: "su: not found"}, nil
		case command == "getprop ro.build.version.sdk":
			return &shell.Result{Stdout: "34\n"}, nil
		}
		return &shell.Result{}, nil
	})
}

func TestEngineCaptureWithoutRoot(t *testing.T) {
	e := startEngine(t, Options{Exec: unrootedDeviceExec()})

	caps := e.Resolver().Capabilities()
	require.False(t, caps.PrivilegedShell)

	// Screenshots stay available on unrooted devices via plain screencap.
	capture, err := e.Resolver().ResolveCapture()
	require.NoError(t, err)
	assert.Equal(t, "screencap", capture.Name())
	assert.False(t, capture.RequiresPrivilege())
}

func TestEngineRoutesCommands(t *testing.T) {
	e := startEngine(t, Options{})

	resp := e.Router().Dispatch(context.Background(),
		protocol.NewRequest("system.capabilities", nil))
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, version.Version, result["agentVersion"])
}

func TestEngineControlChannelEndToEnd(t *testing.T) {
	e := startEngine(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+e.Server().ControlAddr()+"/control", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// The hello event arrives first.
	var hello protocol.Message
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	assert.Equal(t, protocol.TypeEvent, hello.Type)
	assert.Equal(t, "system.hello", hello.Method)
	assert.Equal(t, version.Version, hello.Params["agentVersion"])

	req := protocol.NewRequest("system.heartbeat", nil)
	require.NoError(t, wsjson.Write(ctx, conn, req))

	var resp protocol.Message
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	assert.Equal(t, protocol.TypeResponse, resp.Type)
	assert.Equal(t, req.ID, resp.ID)
}

func TestEngineShutdownRequest(t *testing.T) {
	e := startEngine(t, Options{})

	resp := e.Router().Dispatch(context.Background(),
		protocol.NewRequest("system.shutdown", nil))
	require.Nil(t, resp.Error)

	select {
	case <-e.StopRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not requested")
	}
}

func TestEngineStartStopIdempotent(t *testing.T) {
	e := startEngine(t, Options{})
	require.NoError(t, e.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Stop(ctx)
	e.Stop(ctx)
}
