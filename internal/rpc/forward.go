package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const forwardChannelPrefix = "harbor:rpc:"

// Forwarder delivers an rpc-request to a socket held by another relay
// instance and returns that socket's ack.
type Forwarder interface {
	Forward(ctx context.Context, instanceID, connectionID, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

type forwardFrame struct {
	ID           string          `json:"id"`
	ReplyTo      string          `json:"replyTo"`
	ConnectionID string          `json:"connId"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params"`
	TimeoutMs    int64           `json:"timeoutMs"`
}

type forwardReply struct {
	ID    string          `json:"id"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RedisForwarder carries RPC requests between relay instances over redis
// pub/sub. Each instance listens on its own channel; replies come back on a
// per-call channel the caller subscribes to before publishing, so no ack can
// be lost to a subscribe race.
type RedisForwarder struct {
	rdb        *redis.Client
	conns      ConnectionSource
	instanceID string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisForwarder(rdb *redis.Client, conns ConnectionSource, instanceID string) *RedisForwarder {
	return &RedisForwarder{
		rdb:        rdb,
		conns:      conns,
		instanceID: instanceID,
		done:       make(chan struct{}),
	}
}

func (f *RedisForwarder) Forward(ctx context.Context, instanceID, connectionID, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	replyTo := forwardChannelPrefix + "reply:" + id
	raw, err := json.Marshal(forwardFrame{
		ID:           id,
		ReplyTo:      replyTo,
		ConnectionID: connectionID,
		Method:       method,
		Params:       params,
		TimeoutMs:    timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	sub := f.rdb.Subscribe(ctx, replyTo)
	defer sub.Close()

	receivers, err := f.rdb.Publish(ctx, forwardChannelPrefix+instanceID, raw).Result()
	if err != nil {
		return nil, fmt.Errorf("publish forward: %w", err)
	}
	if receivers == 0 {
		// The owning instance is not listening; its lease is stale.
		return nil, fmt.Errorf("instance %s not reachable", instanceID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, errors.New("reply subscription closed")
		}
		var reply forwardReply
		if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
			return nil, fmt.Errorf("bad forward reply: %w", err)
		}
		if reply.Error != "" {
			return nil, errors.New(reply.Error)
		}
		return reply.Body, nil
	case <-timer.C:
		return nil, fmt.Errorf("forward timeout after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start serves forwarded requests addressed to this instance until Stop.
func (f *RedisForwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	sub := f.rdb.Subscribe(ctx, forwardChannelPrefix+f.instanceID)

	go func() {
		defer close(f.done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frame forwardFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					log.Printf("rpc: bad forward frame: %v", err)
					continue
				}
				go f.serve(ctx, frame)
			}
		}
	}()
}

func (f *RedisForwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

// serve relays one forwarded request to the local socket and publishes the
// ack back to the caller's reply channel.
func (f *RedisForwarder) serve(ctx context.Context, frame forwardFrame) {
	reply := forwardReply{ID: frame.ID}

	conn, ok := f.conns.Connection(frame.ConnectionID)
	if !ok {
		reply.Error = "connection not found"
	} else {
		timeout := time.Duration(frame.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = CallTimeout
		}
		body, err := conn.Emitter.EmitWithAck(ctx, "rpc-request", rpcRequest{Method: frame.Method, Params: frame.Params}, timeout)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Body = body
		}
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		log.Printf("rpc: marshal forward reply: %v", err)
		return
	}
	if err := f.rdb.Publish(ctx, frame.ReplyTo, raw).Err(); err != nil {
		log.Printf("rpc: publish forward reply: %v", err)
	}
}
