// Package bus defines the control-plane transport the Coordinator
// State Machine uses to publish and receive messages (spec §6,
// External Publisher H). The real Beetle bus is AMQP-family and out
// of scope; only the Publisher/Subscriber shape is specified here. One
// concrete transport is provided over Redis Pub/Sub, following the
// same channel already used for probing.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Routing keys for control messages (spec §6).
const (
	KeyInvalidate         = "invalidate"
	KeyReconfigure        = "reconfigure"
	KeySystemNotification = "system_notification"
	KeyPong               = "pong"
	KeyClientInvalidated  = "client_invalidated"
	KeyClientStarted      = "client_started"
	KeyHeartbeat          = "heartbeat"
)

// Publisher publishes a control message body on a routing key.
// Implementations must be safe for concurrent use (spec §5 "Shared
// resources: the bus publisher").
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Handler processes one inbound message for a routing key.
type Handler func(routingKey string, body []byte)

// Subscriber delivers inbound messages for a fixed set of routing keys
// to a Handler until the context is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, routingKeys []string, handle Handler) error
	Close() error
}

// RedisBus implements Publisher and Subscriber over Redis Pub/Sub,
// using one channel per routing key (grounded on the teacher's
// per-bucket Subscribe/Channel() pattern in
// internal/coordinator/redis.go, generalized to the fixed control
// routing keys this spec names).
type RedisBus struct {
	client redis.UniversalClient

	mu  sync.Mutex
	sub *redis.PubSub
}

// NewRedisBus wraps an existing go-redis client as a control-plane
// bus. The caller owns the client's lifecycle.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends body on routingKey.
func (b *RedisBus) Publish(ctx context.Context, routingKey string, body []byte) error {
	if err := b.client.Publish(ctx, routingKey, body).Err(); err != nil {
		return fmt.Errorf("bus publish %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe subscribes to routingKeys and dispatches every inbound
// message to handle until ctx is cancelled or Close is called.
// Dispatch-by-channel mirrors the control-channel switch in
// _examples/galaxyed-centrifugo/lib/engine/engineredis/engine.go's
// runPubSub: decode the channel name, route, drop anything unexpected.
func (b *RedisBus) Subscribe(ctx context.Context, routingKeys []string, handle Handler) error {
	sub := b.client.Subscribe(ctx, routingKeys...)

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return sub.Close()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close tears down the active subscription, if any.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Close()
	b.sub = nil
	return err
}

// LogDropped is a convenience log line for malformed or unroutable
// payloads, called by internal/dispatch.
func LogDropped(routingKey string, reason string) {
	log.Printf("[bus] dropped message on %s: %s", routingKey, reason)
}
