// Package router maps dotted method names to command handlers and converts
// handler outcomes into response envelopes.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/autotest/device-agent/pkg/protocol"
)

// Request is the handler-facing view of a request envelope. Handlers never
// touch transport frames.
type Request struct {
	ID       string
	Params   map[string]any
	Metadata *protocol.Metadata
}

// Deadline derives an advisory deadline from the request metadata. ok is
// false when the client supplied no timeout.
func (r *Request) Deadline() (time.Time, bool) {
	if r.Metadata == nil || r.Metadata.TimeoutMs <= 0 {
		return time.Time{}, false
	}
	return time.Now().Add(time.Duration(r.Metadata.TimeoutMs) * time.Millisecond), true
}

// Handler is one registered command. Validate runs before Handle and rejects
// malformed parameters; Handle returns a result value or an error
// (*protocol.AgentError for typed failures).
type Handler interface {
	Method() string
	Validate(params map[string]any) error
	Handle(ctx context.Context, req *Request) (any, error)
}

// Func builds a Handler from plain functions. A nil validate accepts all
// parameters.
type Func struct {
	Name       string
	ValidateFn func(params map[string]any) error
	HandleFn   func(ctx context.Context, req *Request) (any, error)
}

func (f Func) Method() string { return f.Name }

func (f Func) Validate(params map[string]any) error {
	if f.ValidateFn == nil {
		return nil
	}
	return f.ValidateFn(params)
}

func (f Func) Handle(ctx context.Context, req *Request) (any, error) {
	return f.HandleFn(ctx, req)
}

// Router is the dynamic method table. Registration is last-writer-wins;
// readers dispatch without blocking writers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty router.
func New() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a handler to its method name, replacing any previous
// binding.
func (r *Router) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Method()]; exists {
		slog.Debug("Replacing handler", "method", h.Method())
	}
	r.handlers[h.Method()] = h
}

// Unregister removes a method binding. Unknown methods are a no-op.
func (r *Router) Unregister(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, method)
}

// Lookup returns the handler bound to a method.
func (r *Router) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the sorted list of registered method names.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Dispatch routes a request envelope to its handler and always produces
// exactly one response envelope with the request's id.
func (r *Router) Dispatch(ctx context.Context, req *protocol.Message) *protocol.Message {
	if req.Method == "" {
		return protocol.NewErrorResponse(req,
			protocol.NewAgentError(protocol.CodeInternalError, "missing method"))
	}

	handler, ok := r.Lookup(req.Method)
	if !ok {
		return protocol.NewErrorResponse(req,
			protocol.NewAgentErrorf(protocol.CodeNotImplemented, "Unknown method: %s", req.Method))
	}

	if err := handler.Validate(req.Params); err != nil {
		return protocol.NewErrorResponse(req,
			protocol.NewAgentError(protocol.CodeInternalError, err.Error()))
	}

	result, err := r.invoke(ctx, handler, &Request{
		ID:       req.ID,
		Params:   req.Params,
		Metadata: req.Metadata,
	})
	if err != nil {
		var agentErr *protocol.AgentError
		if errors.As(err, &agentErr) {
			return protocol.NewErrorResponse(req, agentErr)
		}
		return protocol.NewErrorResponse(req,
			protocol.NewAgentError(protocol.CodeUnknown, err.Error()))
	}
	return protocol.NewResponse(req, result)
}

// invoke calls the handler, converting panics into errors so a misbehaving
// handler cannot take down the dispatch loop.
func (r *Router) invoke(ctx context.Context, h Handler, req *Request) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Handler panicked", "method", h.Method(), "panic", rec)
			err = fmt.Errorf("handler %s panicked: %v", h.Method(), rec)
		}
	}()
	return h.Handle(ctx, req)
}
