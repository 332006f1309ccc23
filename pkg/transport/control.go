package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/autotest/device-agent/pkg/auth"
	"github.com/autotest/device-agent/pkg/protocol"
)

// controlConn is one authenticated control-channel client. Requests dispatch
// concurrently; writes serialize under writeMu so envelopes never interleave.
type controlConn struct {
	id      string
	session *auth.Session
	ws      *websocket.Conn

	writeMu sync.Mutex

	// inflight maps request id to the cancel function of its dispatch
	// context; a cancel envelope with the same id aborts it.
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *controlConn) send(ctx context.Context, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *controlConn) trackInflight(id string, cancel context.CancelFunc) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	c.inflight[id] = cancel
}

func (c *controlConn) untrackInflight(id string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, id)
}

func (c *controlConn) cancelInflight(id string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	cancel, ok := c.inflight[id]
	if ok {
		cancel()
	}
	return ok
}

func (c *controlConn) shutdown(reason string) {
	_ = c.ws.Close(websocket.StatusGoingAway, reason)
	c.cancel()
}

// handleControl upgrades an authenticated client onto the control channel and
// runs its read loop until the peer disconnects or the agent stops.
func (s *Server) handleControl(c *echo.Context) error {
	session, err := s.auth.Authenticate(c.Request())
	if err != nil {
		slog.Warn("Control authentication failed", "remote", c.Request().RemoteAddr, "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication failed")
	}

	if !s.controlSlotAvailable() {
		s.auth.Invalidate(session.ID)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "connection limit reached")
	}

	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.auth.Invalidate(session.ID)
		return err
	}
	ws.SetReadLimit(s.cfg.ControlReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	conn := &controlConn{
		id:       uuid.NewString(),
		session:  session,
		ws:       ws,
		inflight: make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.registerControl(conn)
	defer func() {
		s.unregisterControl(conn)
		s.auth.Invalidate(session.ID)
		cancel()
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	slog.Info("Control client connected", "connection_id", conn.id, "client_id", session.ClientID)

	s.sendHello(conn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.keepalive(conn)
	}()

	s.readControlLoop(conn)
	slog.Info("Control client disconnected", "connection_id", conn.id)
	return nil
}

func (s *Server) controlSlotAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.stopped && len(s.controlConns) < s.cfg.MaxConnections
}

func (s *Server) registerControl(conn *controlConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controlConns[conn.id] = conn
}

func (s *Server) unregisterControl(conn *controlConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.controlConns, conn.id)
}

// sendHello pushes the system.hello event announcing identity and
// capabilities before any request is served.
func (s *Server) sendHello(conn *controlConn) {
	params := map[string]any{}
	if s.helloParams != nil {
		params = s.helloParams()
	}
	hello := protocol.NewEvent("system.hello", params)
	if err := conn.send(conn.ctx, hello); err != nil {
		slog.Warn("Hello push failed", "connection_id", conn.id, "error", err)
	}
}

// keepalive pings the peer at the configured interval and tears the
// connection down when a pong misses its deadline. The interval is re-read
// each tick so system.configure changes apply to open connections.
func (s *Server) keepalive(conn *controlConn) {
	interval := s.heartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(conn.ctx, s.heartbeatTimeout())
			err := conn.ws.Ping(ctx)
			cancel()
			if err != nil {
				slog.Warn("Keepalive failed, closing connection", "connection_id", conn.id, "error", err)
				conn.shutdown("heartbeat timeout")
				return
			}
			if next := s.heartbeatInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Server) readControlLoop(conn *controlConn) {
	for {
		_, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			return
		}
		s.auth.Validate(conn.session.ID)

		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("Malformed control envelope dropped", "connection_id", conn.id, "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeCancel:
			if !conn.cancelInflight(msg.ID) {
				slog.Debug("Cancel for unknown request", "request_id", msg.ID)
			}
		case protocol.TypeRequest:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.dispatchRequest(conn, msg)
			}()
		default:
			slog.Warn("Unexpected envelope type on control channel",
				"connection_id", conn.id, "type", msg.Type)
		}
	}
}

// dispatchRequest runs one request through the router and writes the
// response. The dispatch context carries the request deadline and is
// cancelable by a matching cancel envelope.
func (s *Server) dispatchRequest(conn *controlConn, msg *protocol.Message) {
	ctx, cancel := context.WithCancel(conn.ctx)
	defer cancel()

	if msg.Metadata != nil && msg.Metadata.TimeoutMs > 0 {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithTimeout(ctx, time.Duration(msg.Metadata.TimeoutMs)*time.Millisecond)
		defer dcancel()
	}

	conn.trackInflight(msg.ID, cancel)
	defer conn.untrackInflight(msg.ID)

	resp := s.router.Dispatch(ctx, msg)

	if ctx.Err() != nil && resp.Error == nil {
		// Canceled or timed out mid-flight; report it rather than a stale result.
		resp = protocol.NewErrorResponse(msg,
			protocol.NewAgentError(protocol.CodeTimeout, "request canceled"))
	}
	if s.isStopped() {
		return
	}
	if err := conn.send(conn.ctx, resp); err != nil {
		slog.Warn("Response write failed", "connection_id", conn.id, "request_id", msg.ID, "error", err)
		conn.shutdown("write failure")
	}
}

// Broadcast sends an envelope to every connected control client. Individual
// write failures are logged and do not affect other clients.
func (s *Server) Broadcast(msg *protocol.Message) {
	if s.isStopped() {
		return
	}
	s.mu.RLock()
	conns := make([]*controlConn, 0, len(s.controlConns))
	for _, c := range s.controlConns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.send(c.ctx, msg); err != nil {
			slog.Warn("Broadcast write failed", "connection_id", c.id, "error", err)
		}
	}
}
