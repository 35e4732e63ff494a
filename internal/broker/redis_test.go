package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return NewRedisBroker(client)
}

func TestRedisBrokerPublishSubscribe(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "g1", []string{"scores"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	// Give the subscription goroutine a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)

	if _, err := b.Publish(ctx, "g1", "scores", []byte(`{"p":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg) != `{"p":1}` {
			t.Fatalf("unexpected payload %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestRedisBrokerShutdownTerminatesSubscribers(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "g1", []string{"scores"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatalf("expected stream to terminate without a user payload")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription never terminated on shutdown")
	}

	delivered, err := b.Publish(ctx, "g1", "scores", []byte("after-shutdown"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected 0 deliveries after shutdown, got %d", delivered)
	}
}
