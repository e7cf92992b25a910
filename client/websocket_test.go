package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSocketReceivesUpdates(t *testing.T) {
	ctx := context.Background()
	c := startRelay(t)

	sess, err := c.CreateSession(ctx, "meta", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	updates := make(chan Update, 8)
	sock := NewSocket(c.BaseURL, WithReconnect(false), WithOnUpdate(func(u Update) {
		updates <- u
	}))
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sock.Close()

	// HTTP writes fan out to every connected socket of the account.
	msg, err := c.PostMessage(ctx, sess.ID, "cipher-1", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	select {
	case u := <-updates:
		body, err := DecodeUpdateBody(u.Body)
		if err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.T != "new-message" || body.SID != sess.ID {
			t.Fatalf("update body = %+v", body)
		}
		if body.Msg == nil || body.Msg.ID != msg.ID {
			t.Fatalf("update message = %+v, want %s", body.Msg, msg.ID)
		}
		if u.Seq == 0 {
			t.Fatalf("update must carry the change-log cursor")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update arrived")
	}
}

func TestSocketCallWithAckRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := startRelay(t)

	sess, err := c.CreateSession(ctx, "meta", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	sock := NewSocket(c.BaseURL, WithReconnect(false))
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sock.Close()

	resp, err := sock.CallWithAck(ctx, "message", map[string]any{
		"sid":     sess.ID,
		"message": "cipher-1",
		"localId": "local-1",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var ack struct {
		OK  bool  `json:"ok"`
		Seq int64 `json:"seq"`
	}
	if err := json.Unmarshal(resp, &ack); err != nil {
		t.Fatalf("decode ack %s: %v", resp, err)
	}
	if !ack.OK || ack.Seq != 1 {
		t.Fatalf("ack = %+v", ack)
	}
}
