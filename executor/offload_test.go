package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolUnboundedRunsImmediately(t *testing.T) {
	pool := NewPool(0)
	err := pool.Offload(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestPoolLimitsConcurrency(t *testing.T) {
	pool := NewPool(1)

	var inFlight int32
	var maxSeen int32

	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		pool.Offload(context.Background(), func(ctx context.Context) error { //nolint:errcheck
			atomic.AddInt32(&inFlight, 1)
			<-release
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
		close(done)
	}()

	// give the first Offload time to grab the only slot.
	time.Sleep(10 * time.Millisecond)

	blocked := make(chan struct{})
	go func() {
		pool.Offload(context.Background(), func(ctx context.Context) error { //nolint:errcheck
			current := atomic.AddInt32(&inFlight, 1)
			if current > maxSeen {
				atomic.StoreInt32(&maxSeen, current)
			}
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
		close(blocked)
	}()

	close(release)
	<-done
	<-blocked

	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(1))
}

func TestPoolRespectsContextCancellation(t *testing.T) {
	pool := NewPool(1)

	release := make(chan struct{})
	go pool.Offload(context.Background(), func(ctx context.Context) error { //nolint:errcheck
		<-release
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pool.Offload(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}
