// internal/queue/pool_test.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "notification-dispatcher/internal/common/errors"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

func testItems(n int) []models.DispatchItem {
	items := make([]models.DispatchItem, n)
	for i := range items {
		items[i] = models.DispatchItem{Token: fmt.Sprintf("tok-%d", i), UserID: int64(i + 1), NotificationID: 1}
	}
	return items
}

func fastOptions() Options {
	opts := Options{
		MaxRetries:          3,
		BackoffBase:         2 * time.Millisecond,
		BackoffCap:          10 * time.Millisecond,
		RateLimitBackoff:    5 * time.Millisecond,
		RateLimitMaxRetries: 5,
		ShutdownGrace:       time.Second,
	}
	for _, lane := range Lanes {
		opts.Lanes[lane] = LaneOptions{Workers: 2, Capacity: 100}
	}
	return opts
}

func startPool(t *testing.T, exec Executor, opts Options) *Pool {
	t.Helper()
	pool := NewPool(exec, opts, nil, logger.NewNoOpLogger())
	pool.Start()
	t.Cleanup(func() {
		require.NoError(t, pool.Shutdown(context.Background()))
	})
	return pool
}

func waitForState(t *testing.T, pool *Pool, id string, want State) JobStatus {
	t.Helper()
	var st JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = pool.Status(id)
		return err == nil && st.State == want
	}, 2*time.Second, 2*time.Millisecond, "job %s never reached %s (last %s)", id, want, st.State)
	return st
}

func TestPool_SucceedsAndReportsStatus(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		return ExecResult{Delivered: len(task.Items)}
	})
	pool := startPool(t, exec, fastOptions())

	id, err := pool.Enqueue(Spec{Kind: KindBatch, Items: testItems(3)}, 0)
	require.NoError(t, err)

	st := waitForState(t, pool, id, StateSucceeded)
	assert.Equal(t, "batch", st.Lane)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, Summary{Items: 3, Delivered: 3}, st.Summary)
}

func TestPool_RetriesPastMaxFailFinalExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		calls.Add(1)
		return ExecResult{Retry: task.Items}
	})
	pool := startPool(t, exec, fastOptions())

	id, err := pool.Enqueue(Spec{Kind: KindSingle, Items: testItems(1)}, 0)
	require.NoError(t, err)

	st := waitForState(t, pool, id, StateFailedFinal)
	assert.Equal(t, 4, st.Attempts, "first attempt plus three retries")
	assert.Equal(t, 3, st.Retries)
	assert.Equal(t, 1, st.Summary.Failed)
	assert.Contains(t, st.LastError, string(apperrors.ErrCodeTransientFailure))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load(), "terminal jobs are never requeued")
}

func TestPool_InvalidTokenIsNeverRequeued(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		calls.Add(1)
		return ExecResult{InvalidTokens: len(task.Items)}
	})
	pool := startPool(t, exec, fastOptions())

	id, err := pool.Enqueue(Spec{Kind: KindUrgent, Items: testItems(2)}, 0)
	require.NoError(t, err)

	st := waitForState(t, pool, id, StateSucceeded)
	assert.Equal(t, 2, st.Summary.InvalidTokens)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_OnlyRetryableItemsAreRequeued(t *testing.T) {
	var (
		mu    sync.Mutex
		sizes []int
	)
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		mu.Lock()
		sizes = append(sizes, len(task.Items))
		mu.Unlock()
		if task.Attempt == 1 {
			return ExecResult{Delivered: 1, InvalidTokens: 1, Retry: task.Items[2:]}
		}
		return ExecResult{Delivered: len(task.Items)}
	})
	pool := startPool(t, exec, fastOptions())

	id, err := pool.Enqueue(Spec{Kind: KindBatch, Items: testItems(3)}, 0)
	require.NoError(t, err)

	st := waitForState(t, pool, id, StateSucceeded)
	assert.Equal(t, Summary{Items: 3, Delivered: 2, InvalidTokens: 1}, st.Summary)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 1}, sizes)
}

func TestPool_RateLimitUsesDedicatedDelayAndCounter(t *testing.T) {
	var (
		mu    sync.Mutex
		stamp []time.Time
	)
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		mu.Lock()
		stamp = append(stamp, time.Now())
		mu.Unlock()
		if task.Attempt == 1 {
			return ExecResult{Retry: task.Items, RateLimited: true}
		}
		return ExecResult{Delivered: len(task.Items)}
	})
	opts := fastOptions()
	opts.BackoffBase = time.Millisecond
	opts.RateLimitBackoff = 60 * time.Millisecond
	pool := startPool(t, exec, opts)

	id, err := pool.Enqueue(Spec{Kind: KindSingle, Items: testItems(1)}, 0)
	require.NoError(t, err)

	st := waitForState(t, pool, id, StateSucceeded)
	assert.Equal(t, 1, st.RateLimitedRetries)
	assert.Equal(t, 0, st.Retries)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamp, 2)
	assert.GreaterOrEqual(t, stamp[1].Sub(stamp[0]), 60*time.Millisecond)
}

func TestPool_RateLimitRetriesExhausted(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		return ExecResult{Retry: task.Items, RateLimited: true}
	})
	opts := fastOptions()
	opts.RateLimitBackoff = time.Millisecond
	opts.RateLimitMaxRetries = 2
	pool := startPool(t, exec, opts)

	id, err := pool.Enqueue(Spec{Kind: KindSingle, Items: testItems(1)}, 0)
	require.NoError(t, err)

	st := waitForState(t, pool, id, StateFailedFinal)
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, 2, st.RateLimitedRetries)
	assert.Contains(t, st.LastError, string(apperrors.ErrCodeRateLimited))
}

func TestPool_HardFailureEndsJob(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		calls.Add(1)
		return ExecResult{
			Retry: task.Items,
			Err:   apperrors.NewCredentialFailureError(errors.New("invalid_grant")),
		}
	})
	pool := startPool(t, exec, fastOptions())

	id, err := pool.Enqueue(Spec{Kind: KindBatch, Items: testItems(2)}, 0)
	require.NoError(t, err)

	st := waitForState(t, pool, id, StateFailedFinal)
	assert.Equal(t, 2, st.Summary.Failed)
	assert.Contains(t, st.LastError, string(apperrors.ErrCodeCredentialFailure))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_PanicStaysInsideTheJob(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		if task.Label == "boom" {
			panic("provider client exploded")
		}
		return ExecResult{Delivered: len(task.Items)}
	})
	pool := startPool(t, exec, fastOptions())

	bad, err := pool.Enqueue(Spec{Kind: KindUrgent, Label: "boom", Items: testItems(1)}, 0)
	require.NoError(t, err)
	good, err := pool.Enqueue(Spec{Kind: KindUrgent, Items: testItems(1)}, 0)
	require.NoError(t, err)

	st := waitForState(t, pool, bad, StateFailedFinal)
	assert.Contains(t, st.LastError, "executor panic")
	waitForState(t, pool, good, StateSucceeded)
}

func TestPool_DelayedJobWaits(t *testing.T) {
	var ranAt atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		ranAt.Store(time.Now().UnixNano())
		return ExecResult{Delivered: len(task.Items)}
	})
	pool := startPool(t, exec, fastOptions())

	start := time.Now()
	id, err := pool.Enqueue(Spec{Kind: KindBroadcastChunk, Items: testItems(1)}, 50*time.Millisecond)
	require.NoError(t, err)

	st, err := pool.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st.State)

	waitForState(t, pool, id, StateSucceeded)
	assert.GreaterOrEqual(t, time.Duration(ranAt.Load()-start.UnixNano()), 50*time.Millisecond)
}

func TestPool_DispatchesInPriorityOrder(t *testing.T) {
	pool := NewPool(ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		return ExecResult{}
	}), fastOptions(), nil, logger.NewNoOpLogger())

	for _, kind := range []Kind{KindBroadcastChunk, KindSingle, KindBatch, KindUrgent} {
		_, err := pool.Enqueue(Spec{Kind: kind, Items: testItems(1)}, 0)
		require.NoError(t, err)
	}
	for _, lane := range Lanes {
		pool.idle[lane] = 1
	}

	batch, wait := pool.collectReady()
	require.Len(t, batch, 4)
	assert.Zero(t, wait)

	var order []Lane
	for _, h := range batch {
		order = append(order, h.lane)
		assert.Equal(t, StateInFlight, h.job.State)
	}
	assert.Equal(t, []Lane{LaneUrgent, LaneBatch, LaneSingle, LaneBroadcast}, order)

	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPool_ReadyJobsWaitForIdleWorkers(t *testing.T) {
	pool := NewPool(ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		return ExecResult{}
	}), fastOptions(), nil, logger.NewNoOpLogger())

	_, err := pool.Enqueue(Spec{Kind: KindSingle, Items: testItems(1)}, 0)
	require.NoError(t, err)
	_, err = pool.Enqueue(Spec{Kind: KindSingle, Items: testItems(1)}, time.Second)
	require.NoError(t, err)

	batch, _ := pool.collectReady()
	assert.Empty(t, batch, "no idle worker")

	pool.idle[LaneSingle] = 2
	batch, wait := pool.collectReady()
	assert.Len(t, batch, 1)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPool_EnqueueRejections(t *testing.T) {
	opts := fastOptions()
	opts.Lanes[LaneUrgent] = LaneOptions{Workers: 1, Capacity: 1}
	pool := NewPool(ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		return ExecResult{}
	}), opts, nil, logger.NewNoOpLogger())

	_, err := pool.Enqueue(Spec{Kind: "sms", Items: testItems(1)}, 0)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(err))

	_, err = pool.Enqueue(Spec{Kind: KindUrgent}, 0)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(err))

	_, err = pool.Enqueue(Spec{Kind: KindUrgent, Items: testItems(1)}, time.Hour)
	require.NoError(t, err)
	_, err = pool.Enqueue(Spec{Kind: KindUrgent, Items: testItems(1)}, 0)
	assert.Equal(t, apperrors.ErrCodeQueueFull, apperrors.CodeOf(err))

	require.NoError(t, pool.Shutdown(context.Background()))

	_, err = pool.Enqueue(Spec{Kind: KindSingle, Items: testItems(1)}, 0)
	assert.Equal(t, apperrors.ErrCodeQueueStopped, apperrors.CodeOf(err))
}

func TestPool_ShutdownAbandonsPendingJobs(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		calls.Add(1)
		return ExecResult{Delivered: len(task.Items)}
	})
	pool := NewPool(exec, fastOptions(), nil, logger.NewNoOpLogger())
	pool.Start()

	id, err := pool.Enqueue(Spec{Kind: KindBroadcastChunk, Items: testItems(1)}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, pool.Shutdown(context.Background()), "second shutdown is a no-op")

	st, err := pool.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailedFinal, st.State)
	assert.Contains(t, st.LastError, "abandoned at shutdown")
	assert.Equal(t, 1, st.Summary.Failed)
	assert.Zero(t, calls.Load())
}

func TestPool_ShutdownAbandonsRetryInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		close(started)
		<-release
		return ExecResult{Retry: task.Items}
	})
	pool := NewPool(exec, fastOptions(), nil, logger.NewNoOpLogger())
	pool.Start()

	id, err := pool.Enqueue(Spec{Kind: KindSingle, Items: testItems(2)}, 0)
	require.NoError(t, err)
	<-started

	done := make(chan error, 1)
	go func() { done <- pool.Shutdown(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	st, err := pool.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailedFinal, st.State)
	assert.Contains(t, st.LastError, "abandoned at shutdown")
	assert.True(t, st.State.Terminal())
}

func TestPool_ShutdownWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		close(started)
		<-release
		return ExecResult{Delivered: len(task.Items)}
	})
	pool := NewPool(exec, fastOptions(), nil, logger.NewNoOpLogger())
	pool.Start()

	id, err := pool.Enqueue(Spec{Kind: KindSingle, Items: testItems(1)}, 0)
	require.NoError(t, err)
	<-started

	done := make(chan error, 1)
	go func() { done <- pool.Shutdown(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	st, err := pool.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)
}

func TestPool_StatusUnknownJob(t *testing.T) {
	pool := NewPool(ExecutorFunc(func(ctx context.Context, task Task) ExecResult {
		return ExecResult{}
	}), fastOptions(), nil, logger.NewNoOpLogger())

	_, err := pool.Status("missing")
	assert.Equal(t, apperrors.ErrCodeJobNotFound, apperrors.CodeOf(err))
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateQueued, StateInFlight, true},
		{StateInFlight, StateSucceeded, true},
		{StateInFlight, StateRetrying, true},
		{StateInFlight, StateFailedFinal, true},
		{StateRetrying, StateQueued, true},
		{StateQueued, StateFailedFinal, true},
		{StateRetrying, StateFailedFinal, true},
		{StateQueued, StateSucceeded, false},
		{StateRetrying, StateInFlight, false},
		{StateSucceeded, StateQueued, false},
		{StateFailedFinal, StateFailedFinal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(time.Minute, time.Hour, tt.retry), "retry %d", tt.retry)
	}
	assert.Zero(t, Backoff(0, time.Hour, 3))
}

func TestLaneFor(t *testing.T) {
	lane, ok := LaneFor(KindBroadcastChunk)
	assert.True(t, ok)
	assert.Equal(t, LaneBroadcast, lane)
	assert.Equal(t, "broadcast", lane.String())

	_, ok = LaneFor("email")
	assert.False(t, ok)
}
