package processing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestPoolRunsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(3, testLogger())
	p.Start(context.Background())
	defer p.Stop()

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Do(context.Background(), func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	assert.Equal(t, int32(10), n.Load())
}

func TestPoolPropagatesErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(1, testLogger())
	p.Start(context.Background())
	defer p.Stop()

	boom := errors.New("boom")
	err := p.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = p.Do(context.Background(), func(ctx context.Context) error { panic("codec bug") })
	assert.EqualError(t, err, "processing task panicked: codec bug")
}

func TestPoolAbandonsCancelledWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(1, testLogger())
	p.Start(context.Background())
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := p.Do(ctx, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	// The abandoned task is drained but skipped.
	require.NoError(t, p.Do(context.Background(), func(ctx context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

func TestPoolStopped(t *testing.T) {
	p := New(1, testLogger())
	p.Start(context.Background())
	p.Stop()
	// Fill the queue so the only ready case is the stop channel.
	for i := 0; i < cap(p.queue); i++ {
		p.queue <- job{ctx: context.Background(), done: make(chan error, 1)}
	}
	err := p.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPoolStopLeavesQueuedWorkUnserved(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(1, testLogger())
	p.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var ran atomic.Int32
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- p.Do(context.Background(), func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool { return len(p.queue) == 3 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		select {
		case <-p.stop:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	close(release)
	<-stopped

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-results, ErrStopped)
	}
	assert.Zero(t, ran.Load())
}
