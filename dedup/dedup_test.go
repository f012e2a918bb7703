package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 并发折叠
// =============================================================================

func TestDo_ConcurrentCallersCollapseToOneExecution(t *testing.T) {
	d := New(Config{}, zap.NewNop())

	var calls atomic.Int64
	release := make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]any, callers)
	leaders := make([]bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, leader, err := d.Do(context.Background(), "fp-1", func(ctx context.Context) (any, error) {
				calls.Add(1)
				<-release
				return "shared result", nil
			})
			assert.NoError(t, err)
			results[i] = val
			leaders[i] = leader
		}(i)
	}

	// 等跟随者都挂到在途键上再放行领导者
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	leaderCount := 0
	for i := range results {
		assert.Equal(t, "shared result", results[i])
		if leaders[i] {
			leaderCount++
		}
	}
	assert.Equal(t, 1, leaderCount)

	stats := d.Stats()
	assert.EqualValues(t, 1, stats.Admitted)
	assert.EqualValues(t, callers-1, stats.Joined)
}

func TestDo_DistinctFingerprintsRunIndependently(t *testing.T) {
	d := New(Config{}, zap.NewNop())

	var calls atomic.Int64
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "x", nil
	}

	_, _, err := d.Do(context.Background(), "fp-a", fn)
	require.NoError(t, err)
	_, _, err = d.Do(context.Background(), "fp-b", fn)
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
}

func TestDo_LeaderErrorBroadcastsToFollowers(t *testing.T) {
	d := New(Config{}, zap.NewNop())

	upstreamErr := errors.New("upstream exploded")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = d.Do(context.Background(), "fp-err", func(ctx context.Context) (any, error) {
				<-release
				return nil, upstreamErr
			})
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, upstreamErr)
	}
}

func TestDo_KeyClearsAfterCompletion(t *testing.T) {
	d := New(Config{}, zap.NewNop())

	var calls atomic.Int64
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("transient")
	}

	_, _, err := d.Do(context.Background(), "fp-retry", fn)
	require.Error(t, err)

	// 失败结束后键已移除，重试会真正重新执行
	_, _, err = d.Do(context.Background(), "fp-retry", fn)
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

// =============================================================================
// 🧪 等待方退出语义
// =============================================================================

func TestDo_FollowerCancelDoesNotAbortLeader(t *testing.T) {
	d := New(Config{}, zap.NewNop())

	release := make(chan struct{})
	leaderDone := make(chan string, 1)

	go func() {
		val, _, err := d.Do(context.Background(), "fp-cancel", func(ctx context.Context) (any, error) {
			<-release
			// 领导者 context 必须不受跟随者取消影响
			assert.NoError(t, ctx.Err())
			return "survived", nil
		})
		assert.NoError(t, err)
		leaderDone <- val.(string)
	}()

	time.Sleep(20 * time.Millisecond)

	followerCtx, cancel := context.WithCancel(context.Background())
	followerErr := make(chan error, 1)
	go func() {
		_, _, err := d.Do(followerCtx, "fp-cancel", func(ctx context.Context) (any, error) {
			t.Error("follower must not execute")
			return nil, nil
		})
		followerErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-followerErr, context.Canceled)

	close(release)
	assert.Equal(t, "survived", <-leaderDone)
}

func TestDo_JoinTimeout(t *testing.T) {
	d := New(Config{JoinTimeout: 20 * time.Millisecond}, zap.NewNop())

	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = d.Do(context.Background(), "fp-slow", func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	_, _, err := d.Do(context.Background(), "fp-slow", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrJoinTimeout)
}

func TestDo_AfterClose(t *testing.T) {
	d := New(Config{}, zap.NewNop())
	d.Close()

	_, _, err := d.Do(context.Background(), "fp", func(ctx context.Context) (any, error) {
		t.Error("must not execute after close")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestForget_AllowsParallelExecution(t *testing.T) {
	d := New(Config{}, zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = d.Do(context.Background(), "fp-forget", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "old", nil
		})
	}()
	<-started

	d.Forget("fp-forget")

	// 遗忘后同指纹立即重新执行，而非搭车
	val, leader, err := d.Do(context.Background(), "fp-forget", func(ctx context.Context) (any, error) {
		return "new", nil
	})
	close(release)
	require.NoError(t, err)
	assert.True(t, leader)
	assert.Equal(t, "new", val)
}
