// Package source delivers checkpoints in strict sequence order from a replay
// directory or a remote checkpoint store.
package source

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/metrics"
)

var (
	// ErrGap means a checkpoint is missing from the middle of the stream. It
	// is not retried.
	ErrGap = errors.New("gap in checkpoint stream")
	// ErrUnavailable means the checkpoint does not exist yet or the store
	// could not be reached. It is retried with backoff.
	ErrUnavailable = errors.New("checkpoint unavailable")
)

// GapError reports the expected sequence number and what was found instead.
type GapError struct {
	Expected uint64
	Found    uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("gap in checkpoint stream: expected %d, found %d", e.Expected, e.Found)
}

func (e *GapError) Is(target error) bool {
	return target == ErrGap
}

// Fetcher retrieves the serialized checkpoint with a given sequence number.
// A checkpoint that does not exist yet is reported as ErrUnavailable.
type Fetcher interface {
	Fetch(ctx context.Context, seq uint64) ([]byte, error)
	Close() error
}

type Config struct {
	// Concurrency is the number of checkpoints fetched ahead of the consumer.
	Concurrency int
	// End is the last sequence number to deliver. Nil streams forever.
	End *uint64

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries bounds retries of an unavailable checkpoint; zero retries
	// until the context ends.
	MaxRetries uint64
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

type Source struct {
	fetcher Fetcher
	cfg     Config
	log     *logrus.Entry
	metrics metrics.IndexerMetrics
}

func New(fetcher Fetcher, cfg Config, log *logrus.Entry, m metrics.IndexerMetrics) *Source {
	if m == nil {
		m = metrics.NoopCollector{}
	}
	return &Source{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		log:     log.WithField("component", "source"),
		metrics: m,
	}
}

// Fetch returns the checkpoint with sequence number seq, retrying while it is
// unavailable.
func (s *Source) Fetch(ctx context.Context, seq uint64) (*checkpoint.Checkpoint, error) {
	backoff := retry.NewExponential(s.cfg.InitialBackoff)
	backoff = retry.WithCappedDuration(s.cfg.MaxBackoff, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	if s.cfg.MaxRetries > 0 {
		backoff = retry.WithMaxRetries(s.cfg.MaxRetries, backoff)
	}

	var cp *checkpoint.Checkpoint
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			s.log.WithFields(logrus.Fields{"checkpoint": seq, "attempt": attempt}).Debug("retrying fetch")
		}
		attempt++

		data, err := s.fetcher.Fetch(ctx, seq)
		switch {
		case errors.Is(err, ErrUnavailable):
			s.metrics.FetchFailed(metrics.FetchUnavailable)
			return retry.RetryableError(err)
		case errors.Is(err, ErrGap):
			s.metrics.FetchFailed(metrics.FetchGap)
			return err
		case err != nil:
			return errors.Wrapf(err, "fetching checkpoint %d", seq)
		}

		decoded, err := checkpoint.Decode(data)
		if err != nil {
			s.metrics.FetchFailed(metrics.FetchDecodeFailure)
			return errors.Wrapf(err, "checkpoint %d", seq)
		}
		if decoded.SequenceNumber != seq {
			s.metrics.FetchFailed(metrics.FetchGap)
			return &GapError{Expected: seq, Found: decoded.SequenceNumber}
		}
		cp = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.CheckpointFetched(seq)
	return cp, nil
}

type result struct {
	cp  *checkpoint.Checkpoint
	err error
}

// Stream sends checkpoints from..End to out in order, fetching up to
// Concurrency of them ahead. It closes out when it returns. A nil return
// means End was delivered; otherwise the error is a gap, a decode failure,
// exhausted retries or the context's error.
func (s *Source) Stream(ctx context.Context, from uint64, out chan<- *checkpoint.Checkpoint) error {
	defer close(out)

	if s.cfg.End != nil && from > *s.cfg.End {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	pending := make(chan chan result, s.cfg.Concurrency)

	g.Go(func() error {
		defer close(pending)
		for seq := from; ; seq++ {
			ch := make(chan result, 1)
			select {
			case pending <- ch:
			case <-gctx.Done():
				return nil
			}
			go func(seq uint64) {
				cp, err := s.Fetch(gctx, seq)
				ch <- result{cp: cp, err: err}
			}(seq)

			if (s.cfg.End != nil && seq == *s.cfg.End) || seq == math.MaxUint64 {
				return nil
			}
		}
	})

	g.Go(func() error {
		for ch := range pending {
			var r result
			select {
			case r = <-ch:
			case <-gctx.Done():
				return gctx.Err()
			}
			if r.err != nil {
				return r.err
			}
			select {
			case out <- r.cp:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Source) Close() error {
	return s.fetcher.Close()
}
