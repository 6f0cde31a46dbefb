package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstErrorAndPanics(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(ctx context.Context) error { panic("bad") })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in boom")

	stats := s.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "boom", stats[0].Name)
	assert.Equal(t, 1, stats[0].Panics)
	assert.Zero(t, stats[0].Active)
}

func TestStopCancelsAndWaits(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var stopped atomic.Bool
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, stopped.Load())
}

func TestErrorKeepsSiblingsRunning(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("fails", func(ctx context.Context) error { return errors.New("disk full") })
	require.Eventually(t, func() bool { return s.Err() != nil }, 5*time.Second, time.Millisecond)

	var sibling atomic.Bool
	s.Go("watch", func(ctx context.Context) error {
		sibling.Store(ctx.Err() == nil)
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fails")
	assert.True(t, sibling.Load())

	stats := s.Snapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, "fails", stats[0].Name)
	assert.Contains(t, stats[0].LastErr, "disk full")
}

func TestGoRestart(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.wait(ctx))
	assert.Equal(t, int32(3), runs.Load())

	stats := s.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Started)
	assert.Equal(t, 2, stats[0].Restarts)
}
