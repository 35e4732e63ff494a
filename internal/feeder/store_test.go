package feeder

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStoreFeeder(t *testing.T, gameID string, batchSize int) (*StoreFeeder, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	f, err := NewStoreFeeder(context.Background(), client, gameID, batchSize)
	if err != nil {
		t.Fatalf("NewStoreFeeder: %v", err)
	}
	return f, client
}

func TestStoreFeederPagedConsumption(t *testing.T) {
	f, client := newTestStoreFeeder(t, "g1", 2)
	ctx := context.Background()

	if err := client.Set(ctx, "g1", `{"game_id":"g1","teams":["a","b"]}`, 0).Err(); err != nil {
		t.Fatalf("seed header: %v", err)
	}
	if err := client.RPush(ctx, "g1:scores", `{"p":1}`, `{"p":2}`, `{"p":3}`).Err(); err != nil {
		t.Fatalf("seed scores: %v", err)
	}

	details, err := f.GetGameDetails()
	if err != nil {
		t.Fatalf("GetGameDetails: %v", err)
	}
	if details.GameID != "g1" {
		t.Fatalf("unexpected game id %q", details.GameID)
	}

	var count int
	for {
		_, err := f.NextScore()
		if err == ErrExhausted {
			break
		}
		if err != nil {
			t.Fatalf("NextScore: %v", err)
		}
		count++
		if count > 10 {
			t.Fatalf("feeder did not terminate")
		}
	}
	if count != 3 {
		t.Fatalf("expected 3 records, got %d", count)
	}

	if err := f.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := f.Cleanup(); err != nil {
		t.Fatalf("Cleanup should be idempotent: %v", err)
	}
}

func TestStoreFeederMissingHeader(t *testing.T) {
	f, _ := newTestStoreFeeder(t, "missing", 30)
	if _, err := f.GetGameDetails(); err == nil {
		t.Fatalf("expected error for missing header")
	}
}
