package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/autotest/device-agent/pkg/protocol"
)

// binaryQueueCapacity bounds each client's outbound frame queue. Producers
// block when a client falls this far behind, providing backpressure instead
// of unbounded buffering.
const binaryQueueCapacity = 32

// binaryReadLimit is deliberately generous; the binary channel carries large
// payloads such as APKs and file transfers.
const binaryReadLimit = 1 << 30

// binaryConn is one binary-channel client with a dedicated sender goroutine.
type binaryConn struct {
	id string
	ws *websocket.Conn

	out chan *protocol.Frame

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (c *binaryConn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(websocket.StatusGoingAway, reason)
		c.cancel()
	})
}

// enqueue hands a frame to the sender, blocking while the queue is full.
// Returns false once the connection is gone.
func (c *binaryConn) enqueue(ctx context.Context, frame *protocol.Frame) bool {
	select {
	case c.out <- frame:
		return true
	case <-c.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// sendLoop is the only writer on the socket; it drains the outbound queue in
// order until the connection closes.
func (c *binaryConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			data := protocol.EncodeFrame(frame)
			if err := c.ws.Write(c.ctx, websocket.MessageBinary, data); err != nil {
				slog.Warn("Binary write failed, closing", "connection_id", c.id, "error", err)
				c.shutdown("write failure")
				return
			}
		}
	}
}

// handleBinary upgrades an authenticated client onto the binary channel.
func (s *Server) handleBinary(c *echo.Context) error {
	session, err := s.auth.Authenticate(c.Request())
	if err != nil {
		slog.Warn("Binary authentication failed", "remote", c.Request().RemoteAddr, "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication failed")
	}

	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.auth.Invalidate(session.ID)
		return err
	}
	ws.SetReadLimit(binaryReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	conn := &binaryConn{
		id:     uuid.NewString(),
		ws:     ws,
		out:    make(chan *protocol.Frame, binaryQueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
	s.registerBinary(conn)
	defer func() {
		s.unregisterBinary(conn)
		s.auth.Invalidate(session.ID)
		conn.shutdown("")
	}()

	slog.Info("Binary client connected", "connection_id", conn.id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.sendLoop()
	}()

	s.readBinaryLoop(conn)
	slog.Info("Binary client disconnected", "connection_id", conn.id)
	return nil
}

func (s *Server) registerBinary(conn *binaryConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binaryConns[conn.id] = conn
}

func (s *Server) unregisterBinary(conn *binaryConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.binaryConns, conn.id)
}

// readBinaryLoop decodes inbound frames and hands them to the configured
// handler; without a handler inbound frames are dropped.
func (s *Server) readBinaryLoop(conn *binaryConn) {
	for {
		typ, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			slog.Warn("Text message on binary channel dropped", "connection_id", conn.id)
			continue
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			slog.Warn("Malformed binary frame dropped", "connection_id", conn.id, "error", err)
			continue
		}
		if s.onBinaryFrame != nil {
			s.onBinaryFrame(frame)
		} else {
			slog.Debug("Inbound binary frame dropped, no handler",
				"connection_id", conn.id, "kind", frame.Kind.String())
		}
	}
}

// SendFrame delivers a frame to every connected binary client, blocking per
// client while its queue is full. Returns the number of clients reached.
func (s *Server) SendFrame(ctx context.Context, frame *protocol.Frame) int {
	if s.isStopped() {
		return 0
	}
	s.mu.RLock()
	conns := make([]*binaryConn, 0, len(s.binaryConns))
	for _, c := range s.binaryConns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.enqueue(ctx, frame) {
			delivered++
		}
	}
	return delivered
}
