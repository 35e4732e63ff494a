package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// sentinelPayload is the distinguished envelope published to every
// subscribed channel on shutdown. Receivers recognize it and terminate
// their stream cleanly instead of forwarding it as a user payload.
var sentinelPayload = []byte(`{"__sentinel__":true}`)

type sentinelEnvelope struct {
	Sentinel bool `json:"__sentinel__"`
}

func isSentinel(payload []byte) bool {
	var env sentinelEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	return env.Sentinel
}

// RedisBroker is the networked variant, built on go-redis's native PubSub.
// (game_id, channel) maps to the single channel name game:<game_id>:<channel>.
//
// Redis itself keeps no record of which channel names are currently active,
// so the broker tracks the set locally purely to know where to publish the
// shutdown sentinel; it never consults this set to decide delivery.
type RedisBroker struct {
	client *redis.Client

	mu           sync.Mutex
	active       map[string]int
	shuttingDown bool
}

// NewRedisBroker wraps an existing redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, active: make(map[string]int)}
}

func channelName(gameID, channel string) string {
	return fmt.Sprintf("game:%s:%s", gameID, channel)
}

// Publish delivers message to the channel's current Redis subscriber count.
// Redis reports the number of clients that received the message, which maps
// directly onto the delivered-count contract. Returns 0 while shutting down.
func (b *RedisBroker) Publish(ctx context.Context, gameID, channel string, message []byte) (int, error) {
	b.mu.Lock()
	down := b.shuttingDown
	b.mu.Unlock()
	if down {
		return 0, nil
	}
	n, err := b.client.Publish(ctx, channelName(gameID, channel), message).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Broadcast publishes to the wildcard-matching literal channel name
// `*:<channel>`. Delivery depends on a separate pattern-subscribed listener;
// this is explicitly best-effort and the return count is not authoritative.
func (b *RedisBroker) Broadcast(ctx context.Context, channel string, message []byte) (int, error) {
	b.mu.Lock()
	down := b.shuttingDown
	b.mu.Unlock()
	if down {
		return 0, nil
	}
	n, err := b.client.Publish(ctx, "*:"+channel, message).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Subscribe opens a native Redis PubSub against one channel per requested
// channel name under gameID and pumps incoming messages into a bounded
// local queue, translating the sentinel envelope into a closed stream.
func (b *RedisBroker) Subscribe(ctx context.Context, gameID string, channels []string) (*Subscription, error) {
	if len(channels) == 0 {
		return closedSubscription(), nil
	}

	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return closedSubscription(), nil
	}
	names := make([]string, len(channels))
	for i, channel := range channels {
		names[i] = channelName(gameID, channel)
		b.active[names[i]]++
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, names...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		b.untrack(names)
		return nil, fmt.Errorf("subscribe %v: %w", names, err)
	}

	out := make(chan []byte, QueueCapacity)
	var once sync.Once
	release := func() {
		once.Do(func() {
			pubsub.Close()
			b.untrack(names)
		})
	}
	go func() {
		defer close(out)
		defer release()
		incoming := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-incoming:
				if !ok {
					return
				}
				payload := []byte(msg.Payload)
				if isSentinel(payload) {
					return
				}
				select {
				case out <- payload:
				default:
					//1.- Absorb backpressure the same way the in-process queue does.
				}
			}
		}
	}()

	return &Subscription{messages: out, release: release}, nil
}

func (b *RedisBroker) untrack(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		if b.active[name] <= 1 {
			delete(b.active, name)
		} else {
			b.active[name]--
		}
	}
}

// Shutdown flips the broker into shutting-down state and publishes the
// sentinel to every currently tracked channel name so outstanding
// subscribers wake and terminate cleanly.
func (b *RedisBroker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return nil
	}
	b.shuttingDown = true
	names := make([]string, 0, len(b.active))
	for name := range b.active {
		names = append(names, name)
	}
	b.mu.Unlock()

	for _, name := range names {
		if err := b.client.Publish(ctx, name, sentinelPayload).Err(); err != nil {
			return err
		}
	}
	return nil
}
