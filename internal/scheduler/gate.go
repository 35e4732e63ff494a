package scheduler

import (
	"context"
	"sync"
)

// gate is an asyncio.Event-style wait primitive: Set releases every current
// and future Wait call, Clear blocks future Wait calls again. Unlike a
// one-shot context, it can be set and cleared repeatedly over its lifetime.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate(open bool) *gate {
	g := &gate{}
	if open {
		ch := make(chan struct{})
		close(ch)
		g.ch = ch
	} else {
		g.ch = make(chan struct{})
	}
	return g
}

// Set opens the gate, releasing any blocked or future Wait callers.
func (g *gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Clear closes the gate so subsequent Wait calls block again.
func (g *gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// Wait blocks until the gate is open or ctx is done.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
