package batch

import (
	"context"
	"sync"
)

// Gate holds back remote submissions while paused. The zero value is open.
// It satisfies failsafe.SubmissionController.
type Gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

// PauseSubmissions closes the gate. Calls already in flight are not
// interrupted.
func (g *Gate) PauseSubmissions(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.open = make(chan struct{})
	}
	return nil
}

// ResumeSubmissions reopens the gate and releases every waiter.
func (g *Gate) ResumeSubmissions(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.open)
	}
	return nil
}

// Paused reports the current state.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	paused, open := g.paused, g.open
	g.mu.Unlock()
	if !paused {
		return ctx.Err()
	}
	select {
	case <-open:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
