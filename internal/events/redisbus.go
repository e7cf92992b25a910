package events

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const busChannel = "harbor:events"

type busFrame struct {
	Rooms      []string        `json:"rooms"`
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
	SkipConnID string          `json:"skipConnId,omitempty"`
}

// RedisBus fans events out across relay instances over redis pub/sub. Every
// instance, the publisher included, receives the frame through its
// subscription and delivers to its local room members; connection ids are
// globally unique, so skipConnId works across instances.
type RedisBus struct {
	rdb    *redis.Client
	router *Router
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBus(rdb *redis.Client, router *Router) *RedisBus {
	return &RedisBus{rdb: rdb, router: router, done: make(chan struct{})}
}

func (b *RedisBus) Publish(ctx context.Context, rooms []string, event string, body json.RawMessage, skipConnID string) error {
	raw, err := json.Marshal(busFrame{Rooms: rooms, Event: event, Body: body, SkipConnID: skipConnID})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, busChannel, raw).Err()
}

// Start subscribes and pumps frames into the local router until Stop.
func (b *RedisBus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	sub := b.rdb.Subscribe(ctx, busChannel)

	go func() {
		defer close(b.done)
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
				var frame busFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					log.Printf("events: bad bus frame: %v", err)
					continue
				}
				b.router.DeliverLocal(frame.Rooms, frame.Event, frame.Body, frame.SkipConnID)
			}
		}
	}()
}

func (b *RedisBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}
