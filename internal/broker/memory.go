package broker

import (
	"context"
	"sync"
)

// subscriberQueue is one subscriber's bounded inbox, joined to every channel
// it subscribed to so a single release call can detach it everywhere.
type subscriberQueue struct {
	ch       chan []byte
	gameID   string
	channels []string
	once     sync.Once
}

// MemoryBroker is the in-process variant: a nested mapping
// game_id -> channel -> set of subscriber queues. Publish iterates a
// snapshot of the queue set so a concurrent unsubscribe never corrupts the
// delivery loop.
type MemoryBroker struct {
	mu          sync.Mutex
	games       map[string]map[string]map[*subscriberQueue]struct{}
	broadcasts  map[string]map[*subscriberQueue]struct{}
	shuttingDown bool
}

// NewMemoryBroker constructs an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		games:      make(map[string]map[string]map[*subscriberQueue]struct{}),
		broadcasts: make(map[string]map[*subscriberQueue]struct{}),
	}
}

// Publish delivers message to every subscriber of (gameID, channel),
// returning the count successfully enqueued. Full queues are skipped rather
// than blocking the publisher.
func (b *MemoryBroker) Publish(_ context.Context, gameID, channel string, message []byte) (int, error) {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return 0, nil
	}
	queues := b.snapshotLocked(gameID, channel)

	//1.- Sends are non-blocking, so the lock is held across delivery; release
	// closes a queue only under the same lock, so no send hits a closed queue.
	delivered := 0
	for q := range queues {
		select {
		case q.ch <- message:
			delivered++
		default:
			//2.- A full queue absorbs backpressure; the failed enqueue is simply uncounted.
		}
	}
	b.mu.Unlock()
	return delivered, nil
}

// Broadcast delivers message to every subscriber of channel across all
// games. Only the in-process variant supports this with an exact count.
func (b *MemoryBroker) Broadcast(_ context.Context, channel string, message []byte) (int, error) {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return 0, nil
	}
	set := b.broadcasts[channel]
	queues := make(map[*subscriberQueue]struct{}, len(set))
	for q := range set {
		queues[q] = struct{}{}
	}
	b.mu.Unlock()

	delivered := 0
	for q := range queues {
		select {
		case q.ch <- message:
			delivered++
		default:
		}
	}
	return delivered, nil
}

func (b *MemoryBroker) snapshotLocked(gameID, channel string) map[*subscriberQueue]struct{} {
	channels, ok := b.games[gameID]
	if !ok {
		return nil
	}
	set, ok := channels[channel]
	if !ok {
		return nil
	}
	snapshot := make(map[*subscriberQueue]struct{}, len(set))
	for q := range set {
		snapshot[q] = struct{}{}
	}
	return snapshot
}

// Subscribe returns a stream of messages addressed to any of channels under
// gameID. An empty channel set yields an already-terminated stream.
func (b *MemoryBroker) Subscribe(ctx context.Context, gameID string, channels []string) (*Subscription, error) {
	if len(channels) == 0 {
		return closedSubscription(), nil
	}

	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return closedSubscription(), nil
	}

	q := &subscriberQueue{
		ch:       make(chan []byte, QueueCapacity),
		gameID:   gameID,
		channels: append([]string(nil), channels...),
	}
	channelMap, ok := b.games[gameID]
	if !ok {
		channelMap = make(map[string]map[*subscriberQueue]struct{})
		b.games[gameID] = channelMap
	}
	for _, channel := range channels {
		set, ok := channelMap[channel]
		if !ok {
			set = make(map[*subscriberQueue]struct{})
			channelMap[channel] = set
		}
		set[q] = struct{}{}

		broadcastSet, ok := b.broadcasts[channel]
		if !ok {
			broadcastSet = make(map[*subscriberQueue]struct{})
			b.broadcasts[channel] = broadcastSet
		}
		broadcastSet[q] = struct{}{}
	}
	b.mu.Unlock()

	release := func() { b.release(q) }
	go func() {
		select {
		case <-ctx.Done():
			release()
		}
	}()

	return &Subscription{messages: q.ch, release: release}, nil
}

func (b *MemoryBroker) release(q *subscriberQueue) {
	q.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		channelMap, ok := b.games[q.gameID]
		if ok {
			for _, channel := range q.channels {
				set, ok := channelMap[channel]
				if !ok {
					continue
				}
				delete(set, q)
				if len(set) == 0 {
					delete(channelMap, channel)
				}
				if broadcastSet, ok := b.broadcasts[channel]; ok {
					delete(broadcastSet, q)
					if len(broadcastSet) == 0 {
						delete(b.broadcasts, channel)
					}
				}
			}
			if len(channelMap) == 0 {
				delete(b.games, q.gameID)
			}
		}
		close(q.ch)
	})
}

// Shutdown idempotently flips the broker into shutting-down state, wakes
// every outstanding subscriber with a sentinel close, and clears the
// subscriber registry.
func (b *MemoryBroker) Shutdown(context.Context) error {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return nil
	}
	b.shuttingDown = true
	queues := make(map[*subscriberQueue]struct{})
	for _, channelMap := range b.games {
		for _, set := range channelMap {
			for q := range set {
				queues[q] = struct{}{}
			}
		}
	}
	b.games = make(map[string]map[string]map[*subscriberQueue]struct{})
	b.broadcasts = make(map[string]map[*subscriberQueue]struct{})
	b.mu.Unlock()

	for q := range queues {
		q.once.Do(func() { close(q.ch) })
	}
	return nil
}
