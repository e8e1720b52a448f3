package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
)

// sliceStream replays a fixed list of checkpoints, then either ends or
// blocks until cancelled.
type sliceStream struct {
	cps    []*checkpoint.Checkpoint
	err    error
	block  bool
	mu     sync.Mutex
	from   uint64
	called bool
}

func (s *sliceStream) Stream(ctx context.Context, from uint64, out chan<- *checkpoint.Checkpoint) error {
	defer close(out)
	s.mu.Lock()
	s.from, s.called = from, true
	s.mu.Unlock()

	for _, cp := range s.cps {
		if cp.SequenceNumber < from {
			continue
		}
		select {
		case out <- cp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

// recordingWriter remembers what it consumed and fails on request.
type recordingWriter struct {
	name   string
	mu     sync.Mutex
	wm     uint64
	has    bool
	seen   []uint64
	failAt uint64
	fail   bool
	delay  time.Duration
}

func (w *recordingWriter) Name() string { return w.name }

func (w *recordingWriter) Watermark() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wm, w.has
}

func (w *recordingWriter) Consume(ctx context.Context, cp *checkpoint.Checkpoint) error {
	time.Sleep(w.delay)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.has && cp.SequenceNumber <= w.wm {
		return nil
	}
	if w.fail && cp.SequenceNumber == w.failAt {
		return &StallError{Pipeline: w.name, Checkpoint: cp.SequenceNumber, Err: errors.New("boom")}
	}
	w.seen = append(w.seen, cp.SequenceNumber)
	w.wm, w.has = cp.SequenceNumber, true
	return nil
}

func (w *recordingWriter) consumed() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.seen...)
}

func TestDriverFansOutInOrder(t *testing.T) {
	src := &sliceStream{cps: checkpoints(5)}
	a := &recordingWriter{name: "a"}
	b := &recordingWriter{name: "b", delay: time.Millisecond}

	d := NewDriver(src, []Writer{a, b}, testLog())
	var after []uint64
	d.OnCheckpoint(func(cp *checkpoint.Checkpoint) { after = append(after, cp.SequenceNumber) })

	require.NoError(t, d.Run(context.Background()))
	want := []uint64{0, 1, 2, 3, 4}
	assert.Equal(t, want, a.consumed())
	assert.Equal(t, want, b.consumed())
	assert.Equal(t, want, after)
}

func TestDriverStartsFromLowestWatermark(t *testing.T) {
	src := &sliceStream{cps: checkpoints(6)}
	ahead := &recordingWriter{name: "ahead", wm: 4, has: true}
	behind := &recordingWriter{name: "behind", wm: 1, has: true}

	d := NewDriver(src, []Writer{ahead, behind}, testLog())
	assert.Equal(t, uint64(2), d.StartSequence())
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, uint64(2), src.from)
	assert.Equal(t, []uint64{5}, ahead.consumed())
	assert.Equal(t, []uint64{2, 3, 4, 5}, behind.consumed())

	fresh := NewDriver(src, []Writer{ahead, &recordingWriter{name: "new"}}, testLog())
	assert.Equal(t, uint64(0), fresh.StartSequence())
}

func TestDriverContinuesPastStalledWriter(t *testing.T) {
	src := &sliceStream{cps: checkpoints(4)}
	healthy := &recordingWriter{name: "healthy"}
	broken := &recordingWriter{name: "broken", fail: true, failAt: 1}

	d := NewDriver(src, []Writer{healthy, broken}, testLog())
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, []uint64{0, 1, 2, 3}, healthy.consumed())
	assert.Equal(t, []uint64{0}, broken.consumed())
}

func TestDriverFailsWhenAllWritersStall(t *testing.T) {
	src := &sliceStream{cps: checkpoints(4), block: true}
	a := &recordingWriter{name: "a", fail: true, failAt: 1}
	b := &recordingWriter{name: "b", fail: true, failAt: 2}

	err := NewDriver(src, []Writer{a, b}, testLog()).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStalled))
	assert.Contains(t, err.Error(), "pipeline a stalled")
	assert.Contains(t, err.Error(), "pipeline b stalled")
}

func TestDriverReportsSourceErrors(t *testing.T) {
	src := &sliceStream{cps: checkpoints(2), err: errors.New("gap in checkpoint stream")}
	w := &recordingWriter{name: "a"}

	err := NewDriver(src, []Writer{w}, testLog()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
	assert.Equal(t, []uint64{0, 1}, w.consumed())
}

func TestDriverShutsDownCleanly(t *testing.T) {
	src := &sliceStream{cps: checkpoints(3), block: true}
	w := &recordingWriter{name: "a"}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDriver(src, []Writer{w}, testLog())
	d.OnCheckpoint(func(cp *checkpoint.Checkpoint) {
		if cp.SequenceNumber == 2 {
			cancel()
		}
	})

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not stop")
	}
	assert.Equal(t, []uint64{0, 1, 2}, w.consumed())
}

func TestDriverNeedsWriters(t *testing.T) {
	assert.Error(t, NewDriver(&sliceStream{}, nil, testLog()).Run(context.Background()))
}
