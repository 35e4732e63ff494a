// Package registry implements the process-wide scheduler registry: at most
// one scheduler per game_id, created atomically and self-cleaning when its
// run task ends.
package registry

import (
	"context"
	"sync"
	"time"

	"gamecast/broker/internal/logging"
	"gamecast/broker/internal/scheduler"
)

// DefaultCleanupTimeout bounds how long the registry waits for a cancelled
// scheduler's run task to return before giving up.
const DefaultCleanupTimeout = 2 * time.Second

// Factory builds a scheduler and its feeder for a given game_id. The
// registry calls it at most once per game_id while holding its lock.
type Factory func(gameID string) (*scheduler.Scheduler, error)

// Registry is a process-wide map of game_id -> running scheduler. It is
// constructed once at process bootstrap and passed explicitly to every
// collaborator that needs it; tests construct a fresh instance instead of
// relying on a package-level singleton.
type Registry struct {
	mu              sync.RWMutex
	schedulers      map[string]*scheduler.Scheduler
	cancels         map[string]context.CancelFunc
	done            map[string]chan struct{}
	factory         Factory
	cleanupTimeout  time.Duration
	logger          *logging.Logger
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithCleanupTimeout overrides how long Cleanup waits for a cancelled
// scheduler to finish.
func WithCleanupTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cleanupTimeout = d
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New constructs a registry that builds schedulers via factory.
func New(factory Factory, opts ...Option) *Registry {
	r := &Registry{
		schedulers:     make(map[string]*scheduler.Scheduler),
		cancels:        make(map[string]context.CancelFunc),
		done:           make(map[string]chan struct{}),
		factory:        factory,
		cleanupTimeout: DefaultCleanupTimeout,
		logger:         logging.NewTestLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Has reports whether a scheduler is currently registered for gameID.
func (r *Registry) Has(gameID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schedulers[gameID]
	return ok
}

// Count reports how many schedulers are currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schedulers)
}

// Get returns the scheduler registered for gameID, if any.
func (r *Registry) Get(gameID string) (*scheduler.Scheduler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedulers[gameID]
	return s, ok
}

// CreateOrGet returns the existing scheduler for gameID, or builds one via
// the factory, starts its run task, and registers a completion hook that
// removes the entry when the task ends. Concurrent calls for the same
// gameID all observe the same scheduler.
func (r *Registry) CreateOrGet(ctx context.Context, gameID string) (*scheduler.Scheduler, error) {
	r.mu.Lock()
	if s, ok := r.schedulers[gameID]; ok {
		r.mu.Unlock()
		return s, nil
	}

	s, err := r.factory(gameID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	doneCh := make(chan struct{})
	r.schedulers[gameID] = s
	r.cancels[gameID] = cancel
	r.done[gameID] = doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		if err := s.Run(runCtx); err != nil {
			r.logger.Error("scheduler run loop failed", logging.String("game_id", gameID), logging.Error(err))
		} else {
			r.logger.Info("scheduler run loop finished", logging.String("game_id", gameID))
		}
		//1.- The completion hook schedules cleanup; it never performs it inline
		// to avoid deadlocking against a concurrent CreateOrGet holding the lock.
		go r.Cleanup(gameID)
	}()

	return s, nil
}

// Cleanup cancels and removes the scheduler for gameID, waiting up to the
// configured timeout for its run task to return. Safe to call even if no
// scheduler is registered, or if it has already finished.
func (r *Registry) Cleanup(gameID string) bool {
	r.mu.Lock()
	cancel, hasCancel := r.cancels[gameID]
	doneCh, hasDone := r.done[gameID]
	delete(r.schedulers, gameID)
	delete(r.cancels, gameID)
	delete(r.done, gameID)
	r.mu.Unlock()

	if !hasCancel && !hasDone {
		return false
	}
	if cancel != nil {
		cancel()
	}
	if doneCh != nil {
		select {
		case <-doneCh:
		case <-time.After(r.cleanupTimeout):
			r.logger.Warn("timed out waiting for scheduler cancellation", logging.String("game_id", gameID))
		}
	}
	return true
}

// Shutdown cleans up every registered scheduler concurrently and waits for
// all of them to finish.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	gameIDs := make([]string, 0, len(r.schedulers))
	for id := range r.schedulers {
		gameIDs = append(gameIDs, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range gameIDs {
		wg.Add(1)
		go func(gameID string) {
			defer wg.Done()
			r.Cleanup(gameID)
		}(id)
	}
	wg.Wait()
}
