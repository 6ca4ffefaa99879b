package taskgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJoinEmptyBatch(t *testing.T) {
	g := New(4)
	res := g.Join(context.Background(), time.Second)
	assert.Equal(t, 0, res.Completed)
	assert.False(t, res.TimedOut())
}

func TestJoinRunsAllTasks(t *testing.T) {
	g := New(4)

	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		g.Go(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	res := g.Join(context.Background(), 5*time.Second)
	assert.Equal(t, 20, res.Completed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, res.Abandoned)
	assert.Equal(t, int64(20), ran.Load())
}

func TestJoinCollectsFailures(t *testing.T) {
	g := New(2)

	g.Go(func(ctx context.Context) error { return nil })
	g.Go(func(ctx context.Context) error { return errors.New("write rejected") })
	g.Go(func(ctx context.Context) error { return errors.New("write rejected") })

	res := g.Join(context.Background(), 5*time.Second)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.Abandoned)
	assert.NotEmpty(t, res.Errs)
}

func TestJoinBoundsConcurrency(t *testing.T) {
	g := New(2)

	var inFlight atomic.Int64
	var peak atomic.Int64
	for i := 0; i < 10; i++ {
		g.Go(func(ctx context.Context) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
	}

	res := g.Join(context.Background(), 5*time.Second)
	assert.Equal(t, 10, res.Completed)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestJoinTimeoutAbandonsPendingTasks(t *testing.T) {
	g := New(1)

	block := make(chan struct{})
	defer close(block)

	g.Go(func(ctx context.Context) error {
		<-block
		return nil
	})
	g.Go(func(ctx context.Context) error { return nil })

	res := g.Join(context.Background(), 100*time.Millisecond)
	assert.True(t, res.TimedOut())
	assert.NotZero(t, res.Abandoned)
}
