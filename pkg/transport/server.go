// Package transport owns the agent's three WebSocket channels: control
// (textual request/response), binary (framed opaque payloads) and event
// (textual server push). Each channel listens on its own TCP port with a
// single upgrade route.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/autotest/device-agent/pkg/auth"
	"github.com/autotest/device-agent/pkg/config"
	"github.com/autotest/device-agent/pkg/protocol"
	"github.com/autotest/device-agent/pkg/router"
)

// BinaryHandler consumes inbound binary frames. The default handler logs and
// drops; the reference protocol leaves inbound semantics open.
type BinaryHandler func(frame *protocol.Frame)

// Options wires the server's collaborators.
type Options struct {
	Config *config.Config
	Auth   *auth.Authenticator
	Router *router.Router

	// HelloParams supplies the payload of the system.hello event pushed on
	// every new control connection. May be nil.
	HelloParams func() map[string]any

	// OnBinaryFrame receives inbound binary-channel frames. May be nil.
	OnBinaryFrame BinaryHandler

	// HeartbeatInterval and HeartbeatTimeout override the keepalive cadence
	// per ping, so runtime reconfiguration reaches live connections. Nil
	// falls back to the startup configuration.
	HeartbeatInterval func() time.Duration
	HeartbeatTimeout  func() time.Duration
}

// Server is the three-channel transport. One instance per agent.
type Server struct {
	cfg    *config.Config
	auth   *auth.Authenticator
	router *router.Router

	helloParams   func() map[string]any
	onBinaryFrame BinaryHandler

	heartbeatIntervalFn func() time.Duration
	heartbeatTimeoutFn  func() time.Duration

	controlListener net.Listener
	binaryListener  net.Listener
	eventListener   net.Listener
	httpServers     []*http.Server

	mu           sync.RWMutex
	controlConns map[string]*controlConn
	binaryConns  map[string]*binaryConn
	stopped      bool

	events *eventHub

	wg sync.WaitGroup
}

// NewServer creates a transport server. Call Start to begin listening.
func NewServer(opts Options) *Server {
	return &Server{
		cfg:                 opts.Config,
		auth:                opts.Auth,
		router:              opts.Router,
		helloParams:         opts.HelloParams,
		onBinaryFrame:       opts.OnBinaryFrame,
		heartbeatIntervalFn: opts.HeartbeatInterval,
		heartbeatTimeoutFn:  opts.HeartbeatTimeout,
		controlConns:        make(map[string]*controlConn),
		binaryConns:         make(map[string]*binaryConn),
		events:              newEventHub(),
	}
}

// Start binds the three listeners and begins serving. It returns once all
// listeners are bound; serving continues in the background.
func (s *Server) Start() error {
	channels := []struct {
		name     string
		port     int
		path     string
		handler  echo.HandlerFunc
		listener *net.Listener
	}{
		{"control", s.cfg.ControlPort, "/control", s.handleControl, &s.controlListener},
		{"binary", s.cfg.BinaryPort, "/binary", s.handleBinary, &s.binaryListener},
		{"event", s.cfg.EventPort, "/events", s.handleEvents, &s.eventListener},
	}

	for _, ch := range channels {
		e := echo.New()
		e.GET(ch.path, ch.handler)

		addr := fmt.Sprintf("%s:%d", s.cfg.Host, ch.port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen %s channel on %s: %w", ch.name, addr, err)
		}
		*ch.listener = ln

		srv := &http.Server{Handler: e}
		s.httpServers = append(s.httpServers, srv)

		name := ch.name
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				slog.Error("Channel server stopped", "channel", name, "error", err)
			}
		}()
		slog.Info("Channel listening", "channel", name, "addr", ln.Addr().String())
	}
	return nil
}

// ControlAddr returns the bound control listener address.
func (s *Server) ControlAddr() string { return listenerAddr(s.controlListener) }

// BinaryAddr returns the bound binary listener address.
func (s *Server) BinaryAddr() string { return listenerAddr(s.binaryListener) }

// EventAddr returns the bound event listener address.
func (s *Server) EventAddr() string { return listenerAddr(s.eventListener) }

func listenerAddr(ln net.Listener) string {
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Stop closes every open connection with a going-away reason, terminates the
// listeners and drains background senders and subscribers.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	controls := make([]*controlConn, 0, len(s.controlConns))
	for _, c := range s.controlConns {
		controls = append(controls, c)
	}
	binaries := make([]*binaryConn, 0, len(s.binaryConns))
	for _, c := range s.binaryConns {
		binaries = append(binaries, c)
	}
	s.mu.Unlock()

	for _, c := range controls {
		c.shutdown("agent stopping")
	}
	for _, c := range binaries {
		c.shutdown("agent stopping")
	}
	s.events.shutdown()

	for _, srv := range s.httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("Channel server shutdown", "error", err)
		}
	}
	s.closeListeners()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Transport stop timed out waiting for workers")
	}
	slog.Info("Transport stopped")
}

func (s *Server) closeListeners() {
	for _, ln := range []net.Listener{s.controlListener, s.binaryListener, s.eventListener} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// isStopped reports whether Stop has begun; emission paths check it so no
// envelope leaves after stop.
func (s *Server) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// heartbeatInterval returns the current keepalive cadence. Consulted per
// ping so runtime reconfiguration applies to open connections.
func (s *Server) heartbeatInterval() time.Duration {
	if s.heartbeatIntervalFn != nil {
		return s.heartbeatIntervalFn()
	}
	return time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond
}

// heartbeatTimeout returns the current pong deadline.
func (s *Server) heartbeatTimeout() time.Duration {
	if s.heartbeatTimeoutFn != nil {
		return s.heartbeatTimeoutFn()
	}
	return time.Duration(s.cfg.HeartbeatTimeoutMs) * time.Millisecond
}
