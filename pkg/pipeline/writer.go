package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/metrics"
	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

type WriterConfig struct {
	// MaxRetries bounds retries of one checkpoint before the writer stalls.
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	return c
}

var _ Writer = (*StoreWriter)(nil)

// StoreWriter runs a Handler against a store, committing the handler's rows
// and the watermark in one transaction per checkpoint.
type StoreWriter struct {
	handler Handler
	store   store.Store
	coord   *watermark.Coordinator
	cfg     WriterConfig
	log     *logrus.Entry
	metrics metrics.IndexerMetrics

	mu      sync.Mutex
	wm      uint64
	has     bool
	stalled error
}

// NewStoreWriter resumes the handler's pipeline from its persisted watermark
// and registers it with coord.
func NewStoreWriter(ctx context.Context, h Handler, s store.Store, coord *watermark.Coordinator,
	cfg WriterConfig, log *logrus.Entry, m metrics.IndexerMetrics) (*StoreWriter, error) {
	if m == nil {
		m = metrics.NoopCollector{}
	}
	w := &StoreWriter{
		handler: h,
		store:   s,
		coord:   coord,
		cfg:     cfg.withDefaults(),
		log:     log.WithFields(logrus.Fields{"component": "writer", "pipeline": h.Name()}),
		metrics: m,
	}

	err := s.View(ctx, func(r store.Reader) error {
		rec, ok, err := watermark.Load(r, h.Name())
		w.wm, w.has = rec.CheckpointHi, ok
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading watermark of %s", h.Name())
	}
	if err := coord.Register(h.Name(), w.wm, w.has); err != nil {
		return nil, err
	}

	if w.has {
		w.log.WithField("watermark", w.wm).Info("resuming pipeline")
	} else {
		w.log.Info("starting pipeline from the first checkpoint")
	}
	return w, nil
}

func (w *StoreWriter) Name() string {
	return w.handler.Name()
}

func (w *StoreWriter) Watermark() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wm, w.has
}

// next is the only sequence number the writer accepts.
func (w *StoreWriter) next() uint64 {
	if !w.has {
		return 0
	}
	return w.wm + 1
}

func (w *StoreWriter) Consume(ctx context.Context, cp *checkpoint.Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stalled != nil {
		return w.stalled
	}
	seq := cp.SequenceNumber
	if w.has && seq <= w.wm {
		return nil
	}
	if seq != w.next() {
		return w.stall(seq, Fatal(errors.Errorf("expected checkpoint %d, got %d", w.next(), seq)))
	}

	start := time.Now()
	if err := w.commit(ctx, cp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.stall(seq, err)
	}

	w.wm, w.has = seq, true
	if err := w.coord.Advance(w.Name(), seq); err != nil {
		return w.stall(seq, Fatal(err))
	}
	w.metrics.CheckpointCommitted(w.Name(), seq, time.Since(start))
	if cp.IsEndOfEpoch() {
		w.metrics.EpochClosed(w.Name(), cp.Epoch)
		w.log.WithFields(logrus.Fields{"epoch": cp.Epoch, "checkpoint": seq}).Info("epoch closed")
	}
	return nil
}

func (w *StoreWriter) commit(ctx context.Context, cp *checkpoint.Checkpoint) error {
	backoff := retry.NewExponential(w.cfg.InitialBackoff)
	backoff = retry.WithCappedDuration(w.cfg.MaxBackoff, backoff)
	backoff = retry.WithMaxRetries(w.cfg.MaxRetries, backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			w.metrics.WriteRetried(w.Name())
			w.log.WithFields(logrus.Fields{"checkpoint": cp.SequenceNumber, "attempt": attempt}).Warn("retrying commit")
		}
		attempt++

		err := w.store.Update(ctx, func(tx store.Tx) error {
			if err := w.handler.Process(ctx, tx, cp); err != nil {
				return err
			}
			rec := watermark.Record{
				CheckpointHi: cp.SequenceNumber,
				EpochHi:      cp.Epoch,
				TimestampMs:  cp.TimestampMs,
			}
			return Fatal(watermark.Stage(tx, w.Name(), rec))
		})
		switch {
		case err == nil:
			return nil
		case IsFatal(err), errors.Is(err, store.ErrClosed), errors.Is(err, store.ErrPermanent), ctx.Err() != nil:
			return err
		}
		return retry.RetryableError(err)
	})
}

func (w *StoreWriter) stall(seq uint64, err error) error {
	w.stalled = &StallError{Pipeline: w.Name(), Checkpoint: seq, Err: err}
	w.log.WithError(err).WithField("checkpoint", seq).Error("pipeline stalled")
	w.metrics.PipelineStalled(w.Name(), true)
	if merr := w.coord.MarkStalled(w.Name(), err); merr != nil {
		w.log.WithError(merr).Warn("failed to report stall")
	}
	return w.stalled
}
