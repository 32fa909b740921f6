// Package shutdown provides a one-shot broadcast used to tell every listener
// to stop accepting connections.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broadcaster is fired at most once. Observers created before or after the
// firing all see it.
type Broadcaster struct {
	once  sync.Once
	fired atomic.Bool
	ch    chan struct{}
}

func New() *Broadcaster {
	return &Broadcaster{
		ch: make(chan struct{}),
	}
}

// Fire marks the broadcaster as fired and wakes every waiting observer.
// It reports whether this call was the one that fired it; later calls are no-ops.
func (b *Broadcaster) Fire() bool {
	fired := false
	b.once.Do(func() {
		// The flag is set before the channel is closed so that anyone woken by
		// the channel also sees Fired() == true.
		b.fired.Store(true)
		close(b.ch)
		fired = true
	})
	return fired
}

func (b *Broadcaster) Fired() bool {
	return b.fired.Load()
}

// Observe returns a new observer handle.
func (b *Broadcaster) Observe() Observer {
	return Observer{b: b}
}

// Observer is a read-only view of a Broadcaster.
type Observer struct {
	b *Broadcaster
}

// Done returns a channel that is closed when the broadcaster fires.
func (o Observer) Done() <-chan struct{} {
	return o.b.ch
}

func (o Observer) Fired() bool {
	return o.b.Fired()
}

// Wait blocks until the broadcaster fires or ctx is done.
func (o Observer) Wait(ctx context.Context) error {
	select {
	case <-o.b.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
