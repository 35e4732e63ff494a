package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StoreFeeder pages through an ordered Redis list of score records, refilling
// an internal buffer whenever it empties, rather than loading the whole
// source at once.
type StoreFeeder struct {
	client    *redis.Client
	ctx       context.Context
	gameID    string
	batchSize int

	mu      sync.Mutex
	details *Details
	buffer  []json.RawMessage
	cursor  int
	offset  int64
	drained bool
	closed  bool
}

// NewStoreFeeder constructs a store-backed feeder for gameID, paging
// batchSize records at a time from the `<gameID>:scores` list.
func NewStoreFeeder(ctx context.Context, client *redis.Client, gameID string, batchSize int) (*StoreFeeder, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client must not be nil")
	}
	if batchSize <= 0 {
		batchSize = 30
	}
	return &StoreFeeder{
		client:    client,
		ctx:       ctx,
		gameID:    gameID,
		batchSize: batchSize,
	}, nil
}

// GetGameDetails loads and caches the game header from the `<gameID>` key.
func (f *StoreFeeder) GetGameDetails() (Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.details != nil {
		return *f.details, nil
	}

	raw, err := f.client.Get(f.ctx, f.gameID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Details{}, fmt.Errorf("%w: %s", ErrNotFound, f.gameID)
		}
		return Details{}, err
	}

	var details Details
	if err := json.Unmarshal(raw, &details); err != nil {
		return Details{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if details.GameID == "" {
		details.GameID = f.gameID
	}
	f.details = &details
	return details, nil
}

// NextScore returns the next record from the ordered scores list, refilling
// its internal page buffer from Redis whenever it runs dry.
func (f *StoreFeeder) NextScore() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cursor < len(f.buffer) {
		record := f.buffer[f.cursor]
		f.cursor++
		return record, nil
	}
	if f.drained {
		return nil, ErrExhausted
	}

	key := f.gameID + ":scores"
	start := f.offset
	stop := start + int64(f.batchSize) - 1
	page, err := f.client.LRange(f.ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(page) == 0 {
		f.drained = true
		return nil, ErrExhausted
	}

	f.buffer = make([]json.RawMessage, len(page))
	for i, item := range page {
		f.buffer[i] = json.RawMessage(item)
	}
	f.offset += int64(len(page))
	f.cursor = 0
	if len(page) < f.batchSize {
		//1.- A short page means the list is exhausted after this buffer drains.
		f.drained = true
	}

	record := f.buffer[f.cursor]
	f.cursor++
	return record, nil
}

// Cleanup releases the buffered page. Idempotent; the shared Redis client
// outlives individual feeders and is not closed here.
func (f *StoreFeeder) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.buffer = nil
	return nil
}
