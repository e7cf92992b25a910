package ws

import "encoding/json"

// Frame is the wire unit of the socket protocol. An "event" frame with a
// non-zero ID expects an "ack" frame echoing the same ID; events without an
// ID are fire-and-forget. Both directions use the same shape, so a server
// pushed rpc-request is acked by the client exactly like a client message is
// acked by the server.
type Frame struct {
	Type  string          `json:"type"`
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

const (
	FrameEvent = "event"
	FrameAck   = "ack"
)
