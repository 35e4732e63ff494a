package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gamecast/broker/internal/broker"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

type emitted struct {
	gameID    string
	eventName string
	payload   string
}

func (e *recordingEmitter) Emit(gameID, eventName string, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{gameID: gameID, eventName: eventName, payload: string(payload)})
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func upcase(raw []byte) (string, []byte, bool) {
	return "score.update", raw, true
}

func TestRelayStartListenerRelaysMessages(t *testing.T) {
	b := broker.NewMemoryBroker()
	em := &recordingEmitter{}
	r := New(b, em)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.StartListener(ctx, "g1", []string{"scores"}, upcase); err != nil {
		t.Fatalf("StartListener: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !r.Active("g1", []string{"scores"}) {
		if time.Now().After(deadline) {
			t.Fatalf("listener never became active")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := b.Publish(ctx, "g1", "scores", []byte(`{"p":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for em.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("emitter never received the relayed event")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRelayStartListenerIsIdempotentUnderConcurrency(t *testing.T) {
	b := broker.NewMemoryBroker()
	em := &recordingEmitter{}
	r := New(b, em)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const callers = 8
	var wg sync.WaitGroup
	var errCount int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.StartListener(ctx, "g1", []string{"scores", "controls"}, upcase); err != nil {
				atomic.AddInt32(&errCount, 1)
			}
		}()
	}
	wg.Wait()

	if errCount != 0 {
		t.Fatalf("expected no StartListener errors, got %d", errCount)
	}
	if !r.Active("g1", []string{"controls", "scores"}) {
		t.Fatalf("expected listener active regardless of channel order")
	}

	r.mu.Lock()
	n := len(r.listeners)
	r.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one tracked listener, got %d", n)
	}
}

func TestRelayKeyIgnoresChannelOrder(t *testing.T) {
	a := Key("g1", []string{"controls", "scores"})
	b := Key("g1", []string{"scores", "controls"})
	if a != b {
		t.Fatalf("expected stable key regardless of order, got %q vs %q", a, b)
	}
	if a != "g1:controls+scores" {
		t.Fatalf("unexpected key format: %q", a)
	}
}

func TestRelayStopAllCancelsListeners(t *testing.T) {
	b := broker.NewMemoryBroker()
	em := &recordingEmitter{}
	r := New(b, em, WithStopTimeout(500*time.Millisecond))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		gameID := fmt.Sprintf("g%d", i)
		if err := r.StartListener(ctx, gameID, []string{"scores"}, upcase); err != nil {
			t.Fatalf("StartListener: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for i := 0; i < 3; i++ {
		gameID := fmt.Sprintf("g%d", i)
		for !r.Active(gameID, []string{"scores"}) {
			if time.Now().After(deadline) {
				t.Fatalf("listener for %s never became active", gameID)
			}
			time.Sleep(time.Millisecond)
		}
	}

	r.StopAll()

	r.mu.Lock()
	n := len(r.listeners)
	r.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no tracked listeners after StopAll, got %d", n)
	}
}
