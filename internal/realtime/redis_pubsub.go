package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix    = "live:session:"
	discoveryChannel = "live:discovery"
	eventTTL         = 5 * time.Second
)

// Envelope is the message published to Redis for cross-instance broadcast. Except names a
// connection that must not receive the event.
type Envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Except string          `json:"except,omitempty"`
	At     int64           `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber using Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for session events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// PublishSessionEvent publishes an event to the session's Redis channel.
func (r *RedisPubSub) PublishSessionEvent(sessionID uuid.UUID, env Envelope) error {
	return r.publish(channelPrefix+sessionID.String(), env)
}

// PublishDiscoveryEvent publishes an event to the global discovery channel.
func (r *RedisPubSub) PublishDiscoveryEvent(env Envelope) error {
	return r.publish(discoveryChannel, env)
}

func (r *RedisPubSub) publish(channel string, env Envelope) error {
	env.At = time.Now().Unix()
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// SubscribeSession subscribes to a session's Redis channel and calls handler for each message.
func (r *RedisPubSub) SubscribeSession(sessionID uuid.UUID, handler func(Envelope)) (cancel func(), err error) {
	return r.subscribe(channelPrefix+sessionID.String(), handler)
}

// SubscribeDiscovery subscribes to the global discovery channel.
func (r *RedisPubSub) SubscribeDiscovery(handler func(Envelope)) (cancel func(), err error) {
	return r.subscribe(discoveryChannel, handler)
}

// subscribe delivers messages in publish order from a single goroutine. The returned cancel
// stops the subscription.
func (r *RedisPubSub) subscribe(channel string, handler func(Envelope)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("invalid pubsub payload", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
	return cancelCtx, nil
}
