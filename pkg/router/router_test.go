package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autotest/device-agent/pkg/protocol"
)

func echoHandler(method string) Handler {
	return Func{
		Name: method,
		HandleFn: func(ctx context.Context, req *Request) (any, error) {
			return map[string]any{"echo": req.Params}, nil
		},
	}
}

func TestDispatchSuccess(t *testing.T) {
	r := New()
	r.Register(echoHandler("test.echo"))

	req := protocol.NewRequest("test.echo", map[string]any{"k": "v"})
	resp := r.Dispatch(context.Background(), req)

	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, protocol.TypeResponse, resp.Type)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, map[string]any{"echo": map[string]any{"k": "v"}}, resp.Result)
}

func TestDispatchMissingMethod(t *testing.T) {
	r := New()
	req := &protocol.Message{ID: "r1", Type: protocol.TypeRequest}
	resp := r.Dispatch(context.Background(), req)

	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "missing method")
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := New()
	req := protocol.NewRequest("nope.nothing", nil)
	resp := r.Dispatch(context.Background(), req)

	require.NotNil(t, resp.Error)
	assert.Equal(t, 9002, resp.Error.Code)
	assert.Equal(t, "INTERNAL", resp.Error.Category)
	assert.Contains(t, resp.Error.Message, "Unknown method: nope.nothing")
}

func TestDispatchValidationFailure(t *testing.T) {
	r := New()
	r.Register(Func{
		Name:       "test.strict",
		ValidateFn: func(params map[string]any) error { return errors.New("x is required") },
		HandleFn: func(ctx context.Context, req *Request) (any, error) {
			t.Fatal("handler must not run after validation failure")
			return nil, nil
		},
	})

	resp := r.Dispatch(context.Background(), protocol.NewRequest("test.strict", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "x is required", resp.Error.Message)
}

func TestDispatchTypedError(t *testing.T) {
	r := New()
	r.Register(Func{
		Name: "test.fail",
		HandleFn: func(ctx context.Context, req *Request) (any, error) {
			return nil, protocol.NewAgentError(protocol.CodeElementNotFound, "Element not found")
		},
	})

	resp := r.Dispatch(context.Background(), protocol.NewRequest("test.fail", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, 4001, resp.Error.Code)
	assert.Equal(t, "UI", resp.Error.Category)
	assert.True(t, resp.Error.Recoverable)
}

func TestDispatchUntypedError(t *testing.T) {
	r := New()
	r.Register(Func{
		Name: "test.boom",
		HandleFn: func(ctx context.Context, req *Request) (any, error) {
			return nil, errors.New("disk on fire")
		},
	})

	resp := r.Dispatch(context.Background(), protocol.NewRequest("test.boom", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnknown, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "disk on fire")
}

func TestDispatchPanicBecomesUnknown(t *testing.T) {
	r := New()
	r.Register(Func{
		Name: "test.panic",
		HandleFn: func(ctx context.Context, req *Request) (any, error) {
			panic("unexpected nil")
		},
	})

	resp := r.Dispatch(context.Background(), protocol.NewRequest("test.panic", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnknown, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "unexpected nil")
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	r := New()
	assert.Empty(t, r.Methods())

	r.Register(echoHandler("a.one"))
	r.Register(echoHandler("b.two"))
	assert.Equal(t, []string{"a.one", "b.two"}, r.Methods())

	r.Unregister("a.one")
	assert.Equal(t, []string{"b.two"}, r.Methods())

	// Unknown method calls after unregister yield 9002.
	resp := r.Dispatch(context.Background(), protocol.NewRequest("a.one", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeNotImplemented, resp.Error.Code)
}

func TestRegisterLastWriterWins(t *testing.T) {
	r := New()
	r.Register(Func{Name: "dup", HandleFn: func(ctx context.Context, req *Request) (any, error) {
		return "first", nil
	}})
	r.Register(Func{Name: "dup", HandleFn: func(ctx context.Context, req *Request) (any, error) {
		return "second", nil
	}})

	resp := r.Dispatch(context.Background(), protocol.NewRequest("dup", nil))
	assert.Equal(t, "second", resp.Result)
	assert.Len(t, r.Methods(), 1)
}

func TestRequestDeadline(t *testing.T) {
	req := &Request{Metadata: &protocol.Metadata{TimeoutMs: 1000}}
	deadline, ok := req.Deadline()
	assert.True(t, ok)
	assert.False(t, deadline.IsZero())

	_, ok = (&Request{}).Deadline()
	assert.False(t, ok)
}
