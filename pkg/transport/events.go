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

	"github.com/autotest/device-agent/pkg/protocol"
)

// eventBufferSize is the per-subscriber backlog. The event channel is lossy:
// a subscriber that cannot keep up misses events rather than stalling the
// producer.
const eventBufferSize = 64

// eventHub fans event envelopes out to every event-channel subscriber.
// Publication never blocks; per-subscriber channels preserve emission order.
type eventHub struct {
	mu          sync.RWMutex
	subscribers map[string]chan *protocol.Message
	closed      bool
}

func newEventHub() *eventHub {
	return &eventHub{subscribers: make(map[string]chan *protocol.Message)}
}

func (h *eventHub) subscribe(id string) (<-chan *protocol.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan *protocol.Message, eventBufferSize)
	h.subscribers[id] = ch
	return ch, true
}

func (h *eventHub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

func (h *eventHub) publish(msg *protocol.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for id, ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			slog.Debug("Slow event subscriber, dropping event", "subscriber_id", id, "method", msg.Method)
		}
	}
}

func (h *eventHub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *eventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

// PublishEvent pushes an event envelope to every event-channel subscriber.
func (s *Server) PublishEvent(method string, params map[string]any) {
	if s.isStopped() {
		return
	}
	s.events.publish(protocol.NewEvent(method, params))
}

// EventSubscribers returns the number of connected event-channel clients.
func (s *Server) EventSubscribers() int {
	return s.events.subscriberCount()
}

// handleEvents upgrades an authenticated client onto the event channel and
// streams events until it disconnects.
func (s *Server) handleEvents(c *echo.Context) error {
	session, err := s.auth.Authenticate(c.Request())
	if err != nil {
		slog.Warn("Event authentication failed", "remote", c.Request().RemoteAddr, "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication failed")
	}

	ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.auth.Invalidate(session.ID)
		return err
	}
	ws.SetReadLimit(s.cfg.EventReadLimit)

	id := uuid.NewString()
	ch, ok := s.events.subscribe(id)
	if !ok {
		s.auth.Invalidate(session.ID)
		_ = ws.Close(websocket.StatusGoingAway, "agent stopping")
		return nil
	}
	defer func() {
		s.events.unsubscribe(id)
		s.auth.Invalidate(session.ID)
	}()

	slog.Info("Event subscriber connected", "subscriber_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reader goroutine: the event channel is push-only, so reads exist only
	// to notice the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	// Keepalive runs on the event channel too: a subscriber that stops
	// responding is dropped instead of silently accumulating events.
	go func() {
		interval := s.heartbeatInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, s.heartbeatTimeout())
				err := ws.Ping(pingCtx)
				pingCancel()
				if err != nil {
					slog.Warn("Event keepalive failed, dropping subscriber",
						"subscriber_id", id, "error", err)
					cancel()
					return
				}
				if next := s.heartbeatInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.Close(websocket.StatusNormalClosure, "")
			slog.Info("Event subscriber disconnected", "subscriber_id", id)
			return nil
		case msg, open := <-ch:
			if !open {
				_ = ws.Close(websocket.StatusGoingAway, "agent stopping")
				return nil
			}
			data, err := msg.Encode()
			if err != nil {
				slog.Error("Event encode failed", "method", msg.Method, "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Warn("Event write failed, closing subscriber", "subscriber_id", id, "error", err)
				cancel()
			}
		}
	}
}
