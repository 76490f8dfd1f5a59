package dispatch

import (
	"context"

	"go.uber.org/atomic"
)

// Latch is a count-down latch used as the join barrier of one broadcast.
// It starts at the number of dispatched handlers; Wait returns once every
// handler has counted down.
type Latch struct {
	count *atomic.Int64
	done  chan struct{}
}

// NewLatch creates a latch for n handlers. A latch for zero handlers is
// already released.
func NewLatch(n int) *Latch {
	l := &Latch{count: atomic.NewInt64(int64(n)), done: make(chan struct{})}
	if n <= 0 {
		close(l.done)
	}
	return l
}

// CountDown decrements the latch and releases waiters when it reaches zero.
// Calls beyond the initial count are ignored.
func (l *Latch) CountDown() {
	for {
		current := l.count.Load()
		if current <= 0 {
			return
		}
		if l.count.CompareAndSwap(current, current-1) {
			if current == 1 {
				close(l.done)
			}
			return
		}
	}
}

// Count returns the number of handlers that have not completed yet.
func (l *Latch) Count() int64 {
	return l.count.Load()
}

// Wait blocks until the count reaches zero or ctx is done.
// The latch itself never times out: a handler that is never completed keeps
// Wait blocked until the caller cancels ctx.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
