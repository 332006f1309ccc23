// Package protocol defines the wire format spoken on the agent's three
// channels: the JSON message envelope used on the control and event channels,
// the typed error taxonomy, and the framed binary format used for opaque
// payloads such as screenshots and file transfers.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the envelope types.
type MessageType string

const (
	TypeRequest     MessageType = "request"
	TypeResponse    MessageType = "response"
	TypeEvent       MessageType = "event"
	TypeStreamStart MessageType = "stream_start"
	TypeStreamData  MessageType = "stream_data"
	TypeStreamEnd   MessageType = "stream_end"
	TypeCancel      MessageType = "cancel"
)

// Metadata carries optional per-request hints. The timeout is advisory:
// the dispatcher does not enforce it, but polling handlers derive their
// deadline from it.
type Metadata struct {
	TimeoutMs int64  `json:"timeout,omitempty"`
	Retry     int    `json:"retry,omitempty"`
	Priority  string `json:"priority,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Message is the universal envelope exchanged on the control and event
// channels. A response echoes the id of its request verbatim; exactly one of
// Result/Error is set on a response.
type Message struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Method    string         `json:"method,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     *AgentError    `json:"error,omitempty"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NowMillis returns the current time as a millisecond epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewRequest builds a request envelope with a fresh id.
func NewRequest(method string, params map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      TypeRequest,
		Method:    method,
		Params:    params,
		Timestamp: NowMillis(),
	}
}

// NewEvent builds a server-push event envelope.
func NewEvent(method string, params map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      TypeEvent,
		Method:    method,
		Params:    params,
		Timestamp: NowMillis(),
	}
}

// NewResponse builds a success response for the given request.
func NewResponse(req *Message, result any) *Message {
	return &Message{
		ID:        req.ID,
		Type:      TypeResponse,
		Method:    req.Method,
		Result:    result,
		Timestamp: NowMillis(),
	}
}

// NewErrorResponse builds a failure response for the given request.
func NewErrorResponse(req *Message, err *AgentError) *Message {
	return &Message{
		ID:        req.ID,
		Type:      TypeResponse,
		Method:    req.Method,
		Error:     err,
		Timestamp: NowMillis(),
	}
}

// Encode serializes the envelope as compact JSON. Absent optional fields are
// omitted; id, type and timestamp are always emitted.
func (m *Message) Encode() ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = NowMillis()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a textual frame into an envelope. Unknown fields are ignored
// for forward compatibility. Missing required fields fail with an INTERNAL
// protocol error.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewAgentError(CodeInternalError, fmt.Sprintf("malformed envelope: %v", err))
	}
	if m.ID == "" {
		return nil, NewAgentError(CodeInternalError, "envelope missing id")
	}
	if m.Type == "" {
		return nil, NewAgentError(CodeInternalError, "envelope missing type")
	}
	return &m, nil
}

// IsSuccess reports whether the envelope is a response without an error.
func (m *Message) IsSuccess() bool {
	return m.Type == TypeResponse && m.Error == nil
}
