package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoDeliversResult(t *testing.T) {
	r := NewRunner("test", 2)
	defer r.Close()

	done := make(chan any, 1)
	r.Go(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	}, func(res any, err error) {
		assert.NoError(t, err)
		done <- res
	})

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not called")
	}
}

func TestWorkersAreBounded(t *testing.T) {
	r := NewRunner("bounded", 3)
	defer r.Close()

	var running, peak int32
	for i := 0; i < 20; i++ {
		r.Go(context.Background(), func(context.Context) (any, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		}, nil)
	}
	r.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Positive(t, atomic.LoadInt32(&peak))
}

func TestCallSingletonSerializesPerKey(t *testing.T) {
	r := NewRunner("singleton", 8)
	defer r.Close()

	var mu sync.Mutex
	var order []int
	var active int32
	for i := 0; i < 10; i++ {
		i := i
		r.CallSingleton(context.Background(), "session-1", func(context.Context) (any, error) {
			assert.Equal(t, int32(1), atomic.AddInt32(&active, 1), "tasks for one key overlapped")
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return i, nil
		}, func(res any, err error) {
			mu.Lock()
			order = append(order, res.(int))
			mu.Unlock()
		})
	}
	r.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	assert.Equal(t, 0, r.Pending("session-1"))
}

func TestCallSingletonKeysRunIndependently(t *testing.T) {
	r := NewRunner("keys", 4)
	defer r.Close()

	release := make(chan struct{})
	other := make(chan struct{})
	r.CallSingleton(context.Background(), "a", func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, nil)
	r.CallSingleton(context.Background(), "b", func(context.Context) (any, error) {
		close(other)
		return nil, nil
	}, nil)

	select {
	case <-other:
	case <-time.After(2 * time.Second):
		t.Fatal("key b was blocked by key a")
	}
	close(release)
	r.Wait()
}

func TestMemoizeComputesOnce(t *testing.T) {
	r := NewRunner("memo", 4)
	defer r.Close()

	var calls int32
	fn := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return "policy", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Memoize("alice", time.Minute, fn)
			assert.NoError(t, err)
			assert.Equal(t, "policy", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	r.Forget("alice")
	_, _ = r.Memoize("alice", time.Minute, fn)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAbandonedTaskDiscardsResult(t *testing.T) {
	r := NewRunner("abandon", 1)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	r.Go(ctx, func(ctx context.Context) (any, error) {
		cancel()
		<-ctx.Done()
		return "stale", nil
	}, func(res any, err error) {
		assert.Nil(t, res)
		got <- err
	})
	assert.ErrorIs(t, <-got, context.Canceled)
}

func TestPanicBecomesError(t *testing.T) {
	r := NewRunner("panic", 1)
	defer r.Close()

	got := make(chan error, 1)
	r.Go(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	}, func(_ any, err error) { got <- err })
	err := <-got
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestClosedRunnerRejects(t *testing.T) {
	r := NewRunner("closed", 1)
	r.Close()

	var err error
	r.Go(context.Background(), func(context.Context) (any, error) { return nil, nil }, func(_ any, e error) { err = e })
	assert.True(t, errors.Is(err, ErrClosed))

	err = nil
	r.CallSingleton(context.Background(), "k", func(context.Context) (any, error) { return nil, nil }, func(_ any, e error) { err = e })
	assert.ErrorIs(t, err, ErrClosed)
}
