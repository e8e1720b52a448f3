package watermark

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
)

func newCoordinator(t *testing.T, names ...string) *Coordinator {
	t.Helper()
	c := NewCoordinator(logrus.NewEntry(logrus.New()), nil)
	for _, name := range names {
		require.NoError(t, c.Register(name, 0, false))
	}
	return c
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		name    string
		steps   []uint64
		wantErr bool
		wantWM  uint64
	}{
		{name: "monotonic", steps: []uint64{0, 1, 2, 5}, wantWM: 5},
		{name: "repeat is a no-op", steps: []uint64{3, 3, 3}, wantWM: 3},
		{name: "regression", steps: []uint64{4, 2}, wantErr: true, wantWM: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCoordinator(t, "p")
			var err error
			for _, seq := range tt.steps {
				if err = c.Advance("p", seq); err != nil {
					break
				}
			}
			if tt.wantErr {
				var regression *RegressionError
				require.True(t, errors.As(err, &regression))
				assert.Equal(t, "p", regression.Pipeline)
			} else {
				require.NoError(t, err)
			}
			wm, ok, err := c.Watermark("p")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, tt.wantWM, wm)
		})
	}
}

func TestAdvanceUnknownPipeline(t *testing.T) {
	c := newCoordinator(t)
	assert.True(t, errors.Is(c.Advance("ghost", 1), ErrUnknownPipeline))
	assert.True(t, errors.Is(c.MarkStalled("ghost", nil), ErrUnknownPipeline))
}

func TestRegisterTwice(t *testing.T) {
	c := newCoordinator(t, "p")
	assert.True(t, errors.Is(c.Register("p", 0, false), ErrAlreadyExists))
}

func TestWaitUntilAlreadyReached(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.Register("p", 10, true))

	err := c.WaitUntil(context.Background(), []string{"p"}, 7, time.Millisecond)
	assert.NoError(t, err)
}

func TestWaitUntilEmptySetIsReady(t *testing.T) {
	c := newCoordinator(t)
	assert.NoError(t, c.WaitUntil(context.Background(), nil, 100, time.Millisecond))
}

func TestWaitUntilWakesOnAdvance(t *testing.T) {
	c := newCoordinator(t, "a", "b")

	done := make(chan error, 1)
	go func() {
		done <- c.WaitUntil(context.Background(), []string{"a", "b"}, 3, 5*time.Second)
	}()

	require.NoError(t, c.Advance("a", 3))
	require.NoError(t, c.Advance("b", 2))
	select {
	case err := <-done:
		t.Fatalf("returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, c.Advance("b", 3))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitUntilTimesOut(t *testing.T) {
	c := newCoordinator(t, "a", "b")
	require.NoError(t, c.Advance("a", 9))
	require.NoError(t, c.MarkStalled("b", errors.New("disk full")))

	start := time.Now()
	err := c.WaitUntil(context.Background(), []string{"a", "b"}, 100, 30*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	require.True(t, errors.Is(err, ErrTimeout))
	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, uint64(100), timeout.Target)
	require.Len(t, timeout.Lagging, 2)
	assert.Equal(t, []string{"b"}, timeout.Stalled())
	assert.Contains(t, err.Error(), "b (stalled)")
	assert.False(t, errors.Is(err, ErrUnknownPipeline))
}

func TestWaitUntilUnknownPipelineFailsFast(t *testing.T) {
	c := newCoordinator(t, "a")

	start := time.Now()
	err := c.WaitUntil(context.Background(), []string{"a", "missing"}, 1, time.Hour)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errors.Is(err, ErrUnknownPipeline))
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestWaitUntilContextCanceled(t *testing.T) {
	c := newCoordinator(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := c.WaitUntil(ctx, []string{"a"}, 1, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestManyWaitersOneAdvance(t *testing.T) {
	c := newCoordinator(t, "a")

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.WaitUntil(context.Background(), []string{"a"}, 1, 5*time.Second)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Advance("a", 1))
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestAdvanceClearsStall(t *testing.T) {
	c := newCoordinator(t, "a")
	require.NoError(t, c.MarkStalled("a", errors.New("timeout")))
	require.NoError(t, c.Advance("a", 1))

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Stalled)
	assert.Empty(t, snap[0].StallReason)
}

func TestReadiness(t *testing.T) {
	c := newCoordinator(t, "a", "b")

	_, ready, err := c.Readiness([]string{"a", "b"})
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, c.Advance("a", 8))
	require.NoError(t, c.Advance("b", 5))
	min, ready, err := c.Readiness([]string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, uint64(5), min)

	_, _, err = c.Readiness([]string{"c"})
	assert.True(t, errors.Is(err, ErrUnknownPipeline))
}

func TestSnapshotIsSorted(t *testing.T) {
	c := newCoordinator(t, "kv_epoch_starts", "cp_sequence_numbers", "kv_epoch_ends")
	assert.Equal(t, []string{"cp_sequence_numbers", "kv_epoch_ends", "kv_epoch_starts"}, c.Pipelines())
}

func TestPersistedWatermarks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		_, ok, err := Load(r, "p")
		assert.False(t, ok)
		found, err2 := Any(r, []string{"p", "q"})
		assert.False(t, found)
		assert.NoError(t, err2)
		return err
	}))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return Stage(tx, "p", Record{CheckpointHi: 7, EpochHi: 1})
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return Stage(tx, "p", Record{CheckpointHi: 6})
	})
	var regression *RegressionError
	assert.True(t, errors.As(err, &regression))

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		rec, ok, err := Load(r, "p")
		assert.True(t, ok)
		assert.Equal(t, uint64(7), rec.CheckpointHi)
		found, err2 := Any(r, []string{"q", "p"})
		assert.True(t, found)
		assert.NoError(t, err2)
		return err
	}))
}
