package future_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyferry/skyferry/internal/future"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// --- State Machine Tests ---

func TestSetState(t *testing.T) {
	f := future.New[string]()
	assert.Equal(t, future.StateInitiating, f.State())

	assert.True(t, f.SetState(future.StateProgress))
	assert.False(t, f.SetState(future.StateInitiating), "backward transition")
	assert.False(t, f.SetState(future.StateProgress), "same state")
	assert.True(t, f.SetState(future.StateCompleting))
	assert.False(t, f.SetState(future.StateSuccess), "terminal via SetState")
	assert.Equal(t, future.StateCompleting, f.State())

	require.True(t, f.Succeed("ok"))
	assert.False(t, f.SetState(future.StateProgress))
	assert.Equal(t, future.StateSuccess, f.State())
}

func TestTerminalOnce(t *testing.T) {
	f := future.New[int]()

	require.True(t, f.Succeed(1))
	assert.False(t, f.Succeed(2))
	assert.False(t, f.Fail(errors.New("late")))
	assert.False(t, f.Cancel())

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestGet(t *testing.T) {
	t.Run("failed returns cause", func(t *testing.T) {
		cause := errors.New("status 500")
		f := future.New[int]()
		f.Fail(cause)

		_, err := f.Get(context.Background())
		require.ErrorIs(t, err, cause)
		assert.Equal(t, cause, f.Err())
	})

	t.Run("cancelled returns ErrCancelled", func(t *testing.T) {
		f := future.New[int]()
		f.Cancel()

		_, err := f.Get(context.Background())
		require.ErrorIs(t, err, future.ErrCancelled)
	})

	t.Run("context ends first", func(t *testing.T) {
		f := future.New[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := f.Get(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, f.IsDone())
	})

	t.Run("blocks until completion", func(t *testing.T) {
		f := future.New[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.Succeed("done")
		}()

		v, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "done", v)
	})
}

func TestAwaitTimeout(t *testing.T) {
	f := future.New[struct{}]()
	assert.False(t, f.AwaitTimeout(5*time.Millisecond))

	f.Succeed(struct{}{})
	assert.True(t, f.AwaitTimeout(time.Second))
	require.NoError(t, f.Await(context.Background()))
}

// --- Tracking Tests ---

func TestCancelClosesTrackedHandles(t *testing.T) {
	f := future.New[int]()

	var closed atomic.Int32
	for range 5 {
		_, ok := f.Track(closerFunc(func() error {
			closed.Add(1)
			return nil
		}))
		require.True(t, ok)
	}
	assert.Equal(t, 5, f.OpenCount())

	require.True(t, f.Cancel())
	assert.Equal(t, int32(5), closed.Load())
	assert.Equal(t, 0, f.OpenCount())
	assert.Equal(t, future.StateCancelled, f.State())

	assert.False(t, f.Cancel(), "second cancel is a no-op")
	assert.Equal(t, int32(5), closed.Load())
}

func TestFailClosesTrackedHandles(t *testing.T) {
	f := future.New[int]()

	var closed atomic.Bool
	_, ok := f.Track(closerFunc(func() error {
		closed.Store(true)
		return errors.New("close error is ignored")
	}))
	require.True(t, ok)

	require.True(t, f.Fail(errors.New("boom")))
	assert.True(t, closed.Load())
	assert.Equal(t, 0, f.OpenCount())
}

func TestReleaseDoesNotClose(t *testing.T) {
	f := future.New[int]()

	release, ok := f.Track(closerFunc(func() error {
		t.Error("released handle must not be closed")
		return nil
	}))
	require.True(t, ok)

	release()
	assert.Equal(t, 0, f.OpenCount())
	f.Cancel()
}

func TestTrackAfterDone(t *testing.T) {
	f := future.New[int]()
	f.Cancel()

	release, ok := f.Track(closerFunc(func() error { return nil }))
	assert.False(t, ok)
	assert.NotNil(t, release)
	assert.Equal(t, 0, f.OpenCount())
}

// --- Listener Tests ---

func TestListeners(t *testing.T) {
	t.Run("fire exactly once on completion", func(t *testing.T) {
		f := future.New[int]()

		var calls atomic.Int32
		f.AddListener(func(got *future.Future[int]) {
			assert.Same(t, f, got)
			assert.Equal(t, future.StateSuccess, got.State())
			calls.Add(1)
		})

		f.Succeed(1)
		f.Cancel()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("synchronous when already done", func(t *testing.T) {
		f := future.New[int]()
		f.Fail(errors.New("x"))

		called := false
		f.AddListener(func(*future.Future[int]) { called = true })
		assert.True(t, called)
	})

	t.Run("panicking listener is isolated", func(t *testing.T) {
		f := future.New[int]()

		var after atomic.Bool
		f.AddListener(func(*future.Future[int]) { panic("listener bug") })
		f.AddListener(func(*future.Future[int]) { after.Store(true) })

		assert.NotPanics(t, func() { f.Succeed(1) })
		assert.True(t, after.Load())
		assert.Equal(t, future.StateSuccess, f.State())

		assert.NotPanics(t, func() {
			f.AddListener(func(*future.Future[int]) { panic("late listener bug") })
		})
	})

	t.Run("concurrent registration and completion", func(t *testing.T) {
		f := future.New[int]()

		var calls atomic.Int32
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.AddListener(func(*future.Future[int]) { calls.Add(1) })
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Succeed(7)
		}()
		wg.Wait()

		assert.Equal(t, int32(50), calls.Load())
	})
}
