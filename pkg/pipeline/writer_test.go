package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	imock "github.com/withObsrvr/checkpoint-indexer/pkg/mock"
	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

const testRegion = "rows"

// mockHandler writes one row per checkpoint unless told to fail.
type mockHandler struct {
	mock.Mock
}

func (h *mockHandler) Name() string { return "test_pipeline" }

func (h *mockHandler) Process(ctx context.Context, tx store.Tx, cp *checkpoint.Checkpoint) error {
	args := h.Called(cp.SequenceNumber)
	if err := tx.Put(testRegion, store.SeqKey(cp.SequenceNumber), []byte{1}); err != nil {
		return err
	}
	return args.Error(0)
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

var fastRetry = WriterConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

func newWriter(t *testing.T, h Handler, s store.Store, coord *watermark.Coordinator) *StoreWriter {
	t.Helper()
	w, err := NewStoreWriter(context.Background(), h, s, coord, fastRetry, testLog(), nil)
	require.NoError(t, err)
	return w
}

func checkpoints(n int) []*checkpoint.Checkpoint {
	b := imock.NewBuilder(0)
	out := make([]*checkpoint.Checkpoint, n)
	for i := range out {
		out[i] = b.Build()
	}
	return out
}

func hasRow(t *testing.T, s store.Store, seq uint64) bool {
	t.Helper()
	var found bool
	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		var err error
		found, err = store.Exists(r, testRegion, store.SeqKey(seq))
		return err
	}))
	return found
}

func TestWriterCommitsAndResumes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	cps := checkpoints(3)

	h := &mockHandler{}
	h.On("Process", mock.Anything).Return(nil)
	coord := watermark.NewCoordinator(testLog(), nil)
	w := newWriter(t, h, s, coord)

	_, ok := w.Watermark()
	assert.False(t, ok)
	for _, cp := range cps[:2] {
		require.NoError(t, w.Consume(ctx, cp))
	}
	wm, ok := w.Watermark()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), wm)

	cwm, _, err := coord.Watermark("test_pipeline")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cwm)

	// A fresh writer over the same store picks up where the first stopped
	// and ignores replays of committed checkpoints.
	h2 := &mockHandler{}
	h2.On("Process", uint64(2)).Return(nil).Once()
	w2 := newWriter(t, h2, s, watermark.NewCoordinator(testLog(), nil))
	wm, ok = w2.Watermark()
	require.True(t, ok)
	assert.Equal(t, uint64(1), wm)

	for _, cp := range cps {
		require.NoError(t, w2.Consume(ctx, cp))
	}
	h2.AssertExpectations(t)
	assert.True(t, hasRow(t, s, 2))

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		rec, ok, err := watermark.Load(r, "test_pipeline")
		assert.True(t, ok)
		assert.Equal(t, uint64(2), rec.CheckpointHi)
		return err
	}))
}

func TestWriterRetriesTransientErrors(t *testing.T) {
	s := store.NewMemory()
	h := &mockHandler{}
	h.On("Process", uint64(0)).Return(errors.New("connection reset")).Once()
	h.On("Process", uint64(0)).Return(nil).Once()

	w := newWriter(t, h, s, watermark.NewCoordinator(testLog(), nil))
	require.NoError(t, w.Consume(context.Background(), checkpoints(1)[0]))

	h.AssertNumberOfCalls(t, "Process", 2)
	assert.True(t, hasRow(t, s, 0))
}

func TestWriterStalls(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{name: "retries exhausted", err: errors.New("disk full"), wantCalls: 3},
		{name: "fatal error", err: Fatal(errors.New("lineage violated")), wantCalls: 1},
		{name: "permanent storage error", err: errors.Wrap(store.ErrPermanent, "writing cp_sequence_numbers"), wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemory()
			h := &mockHandler{}
			h.On("Process", mock.Anything).Return(tt.err)
			coord := watermark.NewCoordinator(testLog(), nil)
			w := newWriter(t, h, s, coord)
			cps := checkpoints(2)

			err := w.Consume(ctx, cps[0])
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStalled))
			var stall *StallError
			require.True(t, errors.As(err, &stall))
			assert.Equal(t, "test_pipeline", stall.Pipeline)
			assert.Equal(t, uint64(0), stall.Checkpoint)
			h.AssertNumberOfCalls(t, "Process", tt.wantCalls)

			// Nothing from the failed attempts is visible.
			assert.False(t, hasRow(t, s, 0))
			_, ok := w.Watermark()
			assert.False(t, ok)

			snap := coord.Snapshot()
			require.Len(t, snap, 1)
			assert.True(t, snap[0].Stalled)

			// A stalled writer refuses further work without touching the handler.
			assert.Equal(t, err, w.Consume(ctx, cps[1]))
			h.AssertNumberOfCalls(t, "Process", tt.wantCalls)
		})
	}
}

func TestWriterRejectsSkippedCheckpoint(t *testing.T) {
	h := &mockHandler{}
	w := newWriter(t, h, store.NewMemory(), watermark.NewCoordinator(testLog(), nil))

	err := w.Consume(context.Background(), checkpoints(3)[2])
	assert.True(t, errors.Is(err, ErrStalled))
	assert.True(t, IsFatal(err))
	h.AssertNotCalled(t, "Process", mock.Anything)
}

func TestFatal(t *testing.T) {
	assert.Nil(t, Fatal(nil))

	base := errors.New("boom")
	err := errors.Wrap(Fatal(base), "context")
	assert.True(t, IsFatal(err))
	assert.True(t, errors.Is(err, base))
	assert.False(t, IsFatal(base))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	factory := func(*logrus.Entry) Handler { return &mockHandler{} }
	require.NoError(t, r.Register("b", factory))
	require.NoError(t, r.Register("a", factory))
	assert.Error(t, r.Register("a", factory))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))

	hs, err := r.Build([]string{"b"}, testLog())
	require.NoError(t, err)
	assert.Len(t, hs, 1)

	_, err = r.Build([]string{"a", "c"}, testLog())
	assert.True(t, errors.Is(err, ErrUnknownPipeline))

	_, err = r.Build([]string{"a", "a"}, testLog())
	assert.Error(t, err)
}
