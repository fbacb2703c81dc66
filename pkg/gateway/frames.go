// Package gateway manages WebSocket connections: the socket lifecycle,
// inbound frame dispatch, and the serialized outbound write path.
package gateway

import (
	"encoding/json"
)

// Connection-level frame types. Turn-level types live in the pipeline
// package next to the orchestrator that emits them.
const (
	FrameSessionStart = "session_start"
	FramePong         = "pong"
	FrameError        = "error"
)

// Inbound message types.
const (
	MessageChat   = "chat"
	MessageCancel = "cancel"
	MessagePing   = "ping"
)

// ClientMessage is the envelope of every inbound WebSocket message.
// Cancel frames carry the chat-session id, not the socket-session id.
type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// Frame is the outbound envelope.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}
