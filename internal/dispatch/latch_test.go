package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLatchZero verifies a latch without handlers never blocks.
func TestLatchZero(t *testing.T) {
	l := NewLatch(0)
	assert.Equal(t, int64(0), l.Count())
	assert.NoError(t, l.Wait(context.Background()))
}

// TestLatchCountDown verifies waiters are released exactly when the count reaches zero.
func TestLatchCountDown(t *testing.T) {
	l := NewLatch(3)

	l.CountDown()
	l.CountDown()
	assert.Equal(t, int64(1), l.Count())

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(canceled), context.Canceled, "latch released before reaching zero")

	l.CountDown()
	assert.Equal(t, int64(0), l.Count())
	assert.NoError(t, l.Wait(context.Background()))

	// Extra count downs neither panic on the closed channel nor go negative.
	assert.NotPanics(t, l.CountDown)
	assert.Equal(t, int64(0), l.Count())
}

// TestLatchConcurrentCountDown counts down from many goroutines at once.
func TestLatchConcurrentCountDown(t *testing.T) {
	const n = 200
	l := NewLatch(n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.CountDown()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))
	wg.Wait()
	assert.Equal(t, int64(0), l.Count())
}

// TestLatchWaitCanceled verifies the caller can give up on a latch that never completes.
func TestLatchWaitCanceled(t *testing.T) {
	l := NewLatch(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(1), l.Count())
}
