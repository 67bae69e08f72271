package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisTopicPrefix = "watchparty:"
	publishTimeout   = 5 * time.Second
)

// relayFrame is what one instance publishes for the others: the hub event with
// its channel, so a frame that lands on the wrong topic can be spotted.
type relayFrame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RedisPubSub relays hub events between instances. One Redis topic per hub channel.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a relay over client.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

func redisTopic(channel string) string {
	return redisTopicPrefix + channel
}

// PublishChannelEvent sends an event to every instance subscribed to channel,
// this one included.
func (r *RedisPubSub) PublishChannelEvent(channel, event string, payload []byte) error {
	frame, err := json.Marshal(relayFrame{Channel: channel, Event: event, Data: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, redisTopic(channel), frame).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

// SubscribeChannel returns once Redis has confirmed the subscription. handler
// runs on a single goroutine per channel, in publish order, until cancel.
func (r *RedisPubSub) SubscribeChannel(channel string, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, stop := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, redisTopic(channel))
	if _, err := sub.Receive(ctx); err != nil {
		stop()
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	go r.relay(ctx, sub, channel, handler)
	return stop, nil
}

func (r *RedisPubSub) relay(ctx context.Context, sub *redis.PubSub, channel string, handler func(event string, payload []byte)) {
	defer sub.Close()
	frames := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-frames:
			if !ok {
				return
			}
			var f relayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				r.logger.Warn("malformed relay frame", zap.String("topic", msg.Channel), zap.Error(err))
				continue
			}
			if f.Channel != channel {
				r.logger.Warn("relay frame for another channel dropped",
					zap.String("topic", msg.Channel), zap.String("frame_channel", f.Channel), zap.String("event", f.Event))
				continue
			}
			handler(f.Event, f.Data)
		}
	}
}
