package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gamecast/broker/internal/broker"
	"gamecast/broker/internal/feeder"
	"gamecast/broker/internal/scheduler"
)

type oneShotFeeder struct {
	mu       sync.Mutex
	emitted  bool
	cleanups int32
}

func (f *oneShotFeeder) GetGameDetails() (feeder.Details, error) {
	return feeder.Details{GameID: "g1"}, nil
}

func (f *oneShotFeeder) NextScore() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitted {
		return nil, feeder.ErrExhausted
	}
	f.emitted = true
	return json.RawMessage(`{"p":1}`), nil
}

func (f *oneShotFeeder) Cleanup() error {
	atomic.AddInt32(&f.cleanups, 1)
	return nil
}

func TestCreateOrGetReturnsSameSchedulerConcurrently(t *testing.T) {
	b := broker.NewMemoryBroker()
	var built int32
	factory := func(gameID string) (*scheduler.Scheduler, error) {
		atomic.AddInt32(&built, 1)
		return scheduler.New(gameID, b, &oneShotFeeder{}, scheduler.WithInterval(5*time.Millisecond)), nil
	}
	r := New(factory)

	ctx := context.Background()
	const callers = 8
	results := make([]*scheduler.Scheduler, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.CreateOrGet(ctx, "g1")
			if err != nil {
				t.Errorf("CreateOrGet: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("expected identical scheduler reference across concurrent calls")
		}
	}
	if atomic.LoadInt32(&built) != 1 {
		t.Fatalf("expected factory invoked exactly once, got %d", built)
	}
	r.Shutdown()
}

func TestRegistrySelfCleansUpOnSchedulerCompletion(t *testing.T) {
	b := broker.NewMemoryBroker()
	fd := &oneShotFeeder{}
	factory := func(gameID string) (*scheduler.Scheduler, error) {
		return scheduler.New(gameID, b, fd, scheduler.WithInterval(5*time.Millisecond)), nil
	}
	r := New(factory)

	s, err := r.CreateOrGet(context.Background(), "g1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for r.Has("g1") {
		if time.Now().After(deadline) {
			t.Fatalf("registry entry was never cleaned up after scheduler completion")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryCleanupIsSafeWithoutEntry(t *testing.T) {
	r := New(func(gameID string) (*scheduler.Scheduler, error) { return nil, nil })
	if r.Cleanup("missing") {
		t.Fatalf("expected Cleanup to report false for an unregistered game")
	}
}

func TestRegistryCount(t *testing.T) {
	b := broker.NewMemoryBroker()
	factory := func(gameID string) (*scheduler.Scheduler, error) {
		return scheduler.New(gameID, b, &oneShotFeeder{}, scheduler.WithInterval(time.Hour)), nil
	}
	r := New(factory)
	if r.Count() != 0 {
		t.Fatalf("expected empty registry to count 0, got %d", r.Count())
	}
	if _, err := r.CreateOrGet(context.Background(), "g1"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if _, err := r.CreateOrGet(context.Background(), "g2"); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if r.Count() != 2 {
		t.Fatalf("expected 2 registered games, got %d", r.Count())
	}
}
