package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the wire envelope of the devtools protocol. Outgoing calls
// carry ID/Method/Params; replies carry ID and Result or Error; events
// carry Method/Params. SessionID routes flat-mode session traffic both
// ways.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
}

// Event is one protocol notification as delivered to subscribers.
type Event struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// ProtocolError is the error object the browser attaches to a failed
// method call.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`

	// Method is filled in by the caller side for context; it is not part
	// of the wire payload.
	Method string `json:"-"`
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: %s (code %d)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Connection-level error kinds. Call errors additionally surface
// *ProtocolError for browser-reported failures.
var (
	// ErrUnreachable means the debug endpoint is not listening.
	ErrUnreachable = errors.New("debug endpoint unreachable")
	// ErrHandshakeFailed means the endpoint answered with something that
	// is not the devtools protocol.
	ErrHandshakeFailed = errors.New("websocket handshake failed")
	// ErrClosed means the peer closed the channel during the handshake.
	ErrClosed = errors.New("connection closed during handshake")
	// ErrDisconnected means the channel was lost mid-run; pending and
	// subsequent calls fail with it.
	ErrDisconnected = errors.New("connection lost")
	// ErrTimeout means a call got no reply within its deadline.
	ErrTimeout = errors.New("call timed out")
	// ErrTargetGone means the target disappeared before the attach
	// completed.
	ErrTargetGone = errors.New("target gone")
)
