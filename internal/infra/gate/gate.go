// Package gate coordinates postponing the shared GUI event loop across all
// plugin instances in a group.
package gate

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate is held by an instance while the event loop must not run, e.g.
// between a host opening an editor and querying its size. Any number of
// instances may hold it at once.
type Gate struct {
	holders atomic.Int64

	mu      sync.Mutex
	release chan struct{}
}

func New() *Gate {
	return &Gate{release: make(chan struct{})}
}

// Hold postpones the event loop until the returned function is called.
// Calling the release function more than once has no further effect.
func (g *Gate) Hold() func() {
	g.mu.Lock()
	g.holders.Add(1)
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(g.drop)
	}
}

func (g *Gate) drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holders.Add(-1) == 0 {
		close(g.release)
		g.release = make(chan struct{})
	}
}

// ShouldPostpone reports whether any instance currently holds the gate.
func (g *Gate) ShouldPostpone() bool {
	return g.holders.Load() > 0
}

// Wait blocks until nobody holds the gate or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.holders.Load() == 0 {
			g.mu.Unlock()
			return nil
		}
		ch := g.release
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
