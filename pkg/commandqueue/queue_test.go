package commandqueue

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

func blockingTask(started chan<- struct{}, release <-chan struct{}) Task {
	return func(ctx context.Context) (interface{}, error) {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return "still draining", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "still draining", result)
}

func TestCommandQueue_SessionLaneFIFO(t *testing.T) {
	cq := New(Config{GlobalConcurrency: 4})
	defer cq.Close()

	lane := SessionLane("abc")
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	go func() { _, _ = cq.Enqueue(lane, blockingTask(started, release), nil) }()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(lane, func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		waitFor(t, func() bool { return cq.GetQueueSize(lane) == i+1 })
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_GlobalConcurrencyCap(t *testing.T) {
	cq := New(Config{GlobalConcurrency: 2})
	defer cq.Close()

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(GlobalLane, func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestCommandQueue_NestedLanes(t *testing.T) {
	cq := New(Config{GlobalConcurrency: 1})
	defer cq.Close()

	nested := func(sessionKey string, value string) (interface{}, error) {
		return cq.Enqueue(SessionLane(sessionKey), func(ctx context.Context) (interface{}, error) {
			return cq.EnqueueWithContext(ctx, GlobalLane, func(ctx context.Context) (interface{}, error) {
				return value, nil
			}, nil)
		}, nil)
	}

	a, err := nested("a", "A")
	require.NoError(t, err)
	b, err := nested("b", "B")
	require.NoError(t, err)
	assert.Equal(t, "A", a)
	assert.Equal(t, "B", b)
}

func TestCommandQueue_CallerCancelRemovesQueuedTask(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	lane := SessionLane("cancel")
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue(lane, blockingTask(started, release), nil)
	}()
	<-started

	var ran int32
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(ctx, lane, func(ctx context.Context) (interface{}, error) {
			atomic.StoreInt32(&ran, 1)
			return nil, nil
		}, nil)
		errCh <- err
	}()
	waitFor(t, func() bool { return cq.GetQueueSize(lane) == 1 })

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, cq.GetQueueSize(lane))

	close(release)
	<-done
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestCommandQueue_CallerCancelReachesRunningTask(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(ctx, "test", blockingTask(started, nil), nil)
		errCh <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestCommandQueue_GetStats(t *testing.T) {
	cq := New(Config{GlobalConcurrency: 3})
	defer cq.Close()

	_, err := cq.Enqueue(GlobalLane, func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	require.NoError(t, err)

	stats := cq.GetStats()
	require.Contains(t, stats, GlobalLane)
	assert.Equal(t, 3, stats[GlobalLane].Concurrency)
}

func TestCommandQueue_IdleSessionLanesArePruned(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	lane := SessionLane("short-lived")
	_, err := cq.Enqueue(lane, func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, ok := cq.GetStats()[lane]
		return !ok
	})
}

func TestCommandQueue_ClearLane(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	go func() { _, _ = cq.Enqueue("test", blockingTask(started, release), nil) }()
	<-started

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
			errs <- err
		}()
	}
	waitFor(t, func() bool { return cq.GetQueueSize("test") == 3 })

	assert.Equal(t, 3, cq.ClearLane("test"))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errs, ErrLaneCleared)
	}
	assert.Equal(t, 1, cq.GetRunningCount("test"))
	close(release)
}

func TestCommandQueue_ResetLane(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	go func() { _, _ = cq.Enqueue("test", blockingTask(started, release), nil) }()
	<-started

	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
		errCh <- err
	}()
	waitFor(t, func() bool { return cq.GetQueueSize("test") == 1 })

	cq.ResetLane("test")
	assert.ErrorIs(t, <-errCh, ErrLaneReset)
	close(release)

	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) { return "after reset", nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, "after reset", result)
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	cq.SetConcurrency("test", 3)
	assert.Equal(t, 3, cq.GetStats()["test"].Concurrency)
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	go func() { _, _ = cq.Enqueue("test", blockingTask(started, release), nil) }()
	<-started

	warned := make(chan int, 1)
	go func() {
		_, _ = cq.Enqueue("test", func(ctx context.Context) (interface{}, error) { return nil, nil }, &TaskOptions{
			WarnAfter: 10 * time.Millisecond,
			OnWait:    func(_ time.Duration, pos int) { warned <- pos },
		})
	}()

	select {
	case pos := <-warned:
		assert.Equal(t, 0, pos)
	case <-time.After(2 * time.Second):
		t.Fatal("expected wait warning")
	}
	close(release)
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := New(Config{})
	defer cq.Close()

	go func() {
		_, _ = cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
			time.Sleep(30 * time.Millisecond)
			return nil, nil
		}, nil)
	}()
	waitFor(t, func() bool { return cq.GetRunningCount("test") == 1 })

	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(Config{})

	started := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue("test", blockingTask(started, nil), nil)
		errCh <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestCommandQueue_Events(t *testing.T) {
	queue := New(Config{})
	defer queue.Close()

	var mu sync.Mutex
	var types []string
	record := func(event Event) {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	}
	queue.On(EventEnqueued, record)
	queue.On(EventStarted, record)
	queue.On(EventCompleted, record)

	_, err := queue.Enqueue("test", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 3
	})
	mu.Lock()
	assert.Equal(t, []string{EventEnqueued, EventStarted, EventCompleted}, types)
	mu.Unlock()

	queue.Off(EventEnqueued)
	queue.Off(EventStarted)
	queue.Off(EventCompleted)
	_, _ = queue.Enqueue("test", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, types, 3)
	mu.Unlock()
}

func TestSessionLane(t *testing.T) {
	assert.Equal(t, "session:abc", SessionLane("abc"))
	assert.Equal(t, "session:abc", SessionLane("session:abc"))
	assert.True(t, IsSessionLane("session:abc"))
	assert.False(t, IsSessionLane(GlobalLane))
}
