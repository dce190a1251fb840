package browser

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollSucceedsEventually(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ok := Poll(context.Background(), func(context.Context) bool {
		return calls.Add(1) >= 3
	}, time.Second, time.Millisecond)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestPollTimesOut(t *testing.T) {
	t.Parallel()

	start := time.Now()
	ok := Poll(context.Background(), func(context.Context) bool { return false }, 20*time.Millisecond, 5*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollZeroTimeoutChecksOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ok := Poll(context.Background(), func(context.Context) bool {
		calls.Add(1)
		return false
	}, 0, 0)
	assert.False(t, ok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPollHonorsCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := Poll(ctx, func(context.Context) bool { return false }, time.Minute, time.Millisecond)
	assert.False(t, ok)
}

func TestAny(t *testing.T) {
	t.Parallel()

	no := func(context.Context) bool { return false }
	yes := func(context.Context) bool { return true }
	assert.True(t, Any(no, yes)(context.Background()))
	assert.False(t, Any(no, no)(context.Background()))
	assert.False(t, Any()(context.Background()))
}

func TestPollBoundsBlockedCondition(t *testing.T) {
	t.Parallel()

	start := time.Now()
	ok := Poll(context.Background(), func(ctx context.Context) bool {
		<-ctx.Done()
		return false
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollPassesDeadlineToCondition(t *testing.T) {
	t.Parallel()

	var hadDeadline atomic.Bool
	Poll(context.Background(), func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		return true
	}, time.Second, time.Millisecond)
	assert.True(t, hadDeadline.Load())
}
