package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	t.Run("serializes the same key", func(t *testing.T) {
		m := New(0)
		var inside, peak int32
		var wg sync.WaitGroup

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := m.Lock(context.Background(), "k")
				require.NoError(t, err)
				n := atomic.AddInt32(&inside, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				unlock()
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), peak)
	})

	t.Run("different keys do not block", func(t *testing.T) {
		m := New(0)
		unlockA, err := m.Lock(context.Background(), "a")
		require.NoError(t, err)
		defer unlockA()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		unlockB, err := m.Lock(ctx, "b")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("waiting honours context", func(t *testing.T) {
		m := New(0)
		unlock, err := m.Lock(context.Background(), "k")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = m.Lock(ctx, "k")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("unlock is idempotent", func(t *testing.T) {
		m := New(0)
		unlock, err := m.Lock(context.Background(), "k")
		require.NoError(t, err)
		unlock()
		unlock()

		unlock, err = m.Lock(context.Background(), "k")
		require.NoError(t, err)
		unlock()
	})
}

func TestSweep(t *testing.T) {
	m := New(time.Minute)
	clock := time.Now()
	m.now = func() time.Time { return clock }

	unlockHeld, err := m.Lock(context.Background(), "held")
	require.NoError(t, err)
	unlockIdle, err := m.Lock(context.Background(), "idle")
	require.NoError(t, err)
	unlockIdle()

	require.Equal(t, 0, m.Sweep(), "fresh entries survive")

	clock = clock.Add(2 * time.Minute)
	require.Equal(t, 1, m.Sweep())
	require.Equal(t, 1, m.Len())

	unlockHeld()
	clock = clock.Add(2 * time.Minute)
	require.Equal(t, 1, m.Sweep())
	require.Equal(t, 0, m.Len())
}

func TestStartStops(t *testing.T) {
	m := New(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	m.Wait()
}
