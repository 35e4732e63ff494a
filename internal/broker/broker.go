// Package broker implements the publish/subscribe fabric keyed by
// (game_id, channel), in an in-process variant and a Redis-backed variant.
package broker

import "context"

// QueueCapacity bounds every per-subscriber queue. A publisher that finds a
// queue full experiences backpressure absorbed by the queue itself: the
// enqueue simply fails and is excluded from the delivery count returned by
// Publish. The failed enqueue is not logged.
const QueueCapacity = 100

// Broker routes messages addressed to (game_id, channel) pairs between
// publishers and subscribers, and sheds all load on Shutdown.
type Broker interface {
	// Publish delivers message to every current subscriber of (gameID,
	// channel) and returns the count delivered successfully. It returns 0 if
	// the broker is shutting down or has no subscribers for the pair.
	Publish(ctx context.Context, gameID, channel string, message []byte) (int, error)

	// Subscribe returns a live stream of messages addressed to any of the
	// named channels under gameID. Subscribing to an empty channel set
	// yields a stream that is already terminated.
	Subscribe(ctx context.Context, gameID string, channels []string) (*Subscription, error)

	// Shutdown idempotently flips the broker into shutting-down state,
	// wakes every outstanding subscriber with a sentinel, and clears the
	// subscriber registry.
	Shutdown(ctx context.Context) error
}

// Broadcaster is implemented by broker variants that can deliver a message to
// every subscriber of a channel across all games. Only the in-process
// variant guarantees this; the networked variant's wildcard pattern
// subscription is best-effort and does not implement this interface's exact
// delivery-count contract in the same way, so callers must type-assert.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, message []byte) (int, error)
}

// Subscription is a live, ordered stream of messages for one
// (game_id, channel-set), paired with a guaranteed release of broker
// resources on termination.
type Subscription struct {
	messages <-chan []byte
	release  func()
}

// Messages exposes the delivery channel. It is closed when the subscription
// terminates, whether by consumer Close, broker shutdown, or cancellation.
func (s *Subscription) Messages() <-chan []byte {
	if s == nil {
		return nil
	}
	return s.messages
}

// Close releases the subscription's queue. Safe to call multiple times and
// safe to call after the stream has already terminated on its own.
func (s *Subscription) Close() {
	if s == nil || s.release == nil {
		return
	}
	s.release()
}

func closedSubscription() *Subscription {
	ch := make(chan []byte)
	close(ch)
	return &Subscription{messages: ch, release: func() {}}
}
