package client

import (
	"context"
	"encoding/json"
	"time"
)

// MessageAckTimeout is how long a sent message waits for its ack before the
// sender falls back and schedules a retry.
const MessageAckTimeout = 7500 * time.Millisecond

// CallWithAckFallback sends an acked event; if no ack arrives within the
// timeout it degrades to a fire-and-forget send and reports the miss through
// onNoAck. The relay's localId dedup makes the double send safe.
func CallWithAckFallback(ctx context.Context, sock *Socket, event string, body any, timeout time.Duration, onNoAck func(err error)) (json.RawMessage, error) {
	resp, err := sock.CallWithAck(ctx, event, body, timeout)
	if err == nil {
		return resp, nil
	}
	if onNoAck != nil {
		onNoAck(err)
	}
	if sendErr := sock.Emit(ctx, event, body); sendErr != nil {
		return nil, sendErr
	}
	return nil, err
}
