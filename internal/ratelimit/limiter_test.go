package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWaitFirstGrantImmediate verifies a fresh host is not delayed.
func TestWaitFirstGrantImmediate(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Second})
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "example.com"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

// TestWaitEnforcesMinDelay verifies consecutive grants for one host are spaced
// by at least MinDelay.
func TestWaitEnforcesMinDelay(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: 80 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "example.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "example.com"))
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

// TestWaitIndependentHosts verifies hosts do not throttle each other.
func TestWaitIndependentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a.example.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b.example.com"))
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, 2, l.HostCount())
}

// TestWaitConcurrentReservations verifies N concurrent waiters on one host
// take at least (N-1)*MinDelay in total: each grant claims its own slot.
func TestWaitConcurrentReservations(t *testing.T) {
	t.Parallel()

	const (
		waiters  = 6
		minDelay = 40 * time.Millisecond
	)
	l := New(Config{MinDelay: minDelay})
	ctx := context.Background()

	start := time.Now()
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Wait(ctx, "example.com")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), (waiters-1)*minDelay)
}

// TestWaitContextCancel verifies a cancelled context aborts the wait.
func TestWaitContextCancel(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: 10 * time.Second})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "example.com"))

	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := l.Wait(cctx, "example.com")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestRetentionPurgesIdleHosts verifies stale host entries are swept out.
func TestRetentionPurgesIdleHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Millisecond, Retention: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "stale.example.com"))
	require.Equal(t, 1, l.HostCount())

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, l.Wait(ctx, "fresh.example.com"))
	require.Equal(t, 1, l.HostCount())
}
