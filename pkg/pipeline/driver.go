package pipeline

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
)

// Stream produces checkpoints in order starting at from, closing out when
// it returns.
type Stream interface {
	Stream(ctx context.Context, from uint64, out chan<- *checkpoint.Checkpoint) error
}

// lane is the goroutine that owns one writer.
type lane struct {
	writer  Writer
	in      chan *checkpoint.Checkpoint
	out     chan error
	stalled bool
}

func (l *lane) run(ctx context.Context) {
	for cp := range l.in {
		l.out <- l.writer.Consume(ctx, cp)
	}
}

// Driver feeds every checkpoint to all writers, one lane per writer, and
// waits for all of them before moving to the next checkpoint. A stalled
// writer is dropped while the others continue.
type Driver struct {
	source  Stream
	writers []Writer
	log     *logrus.Entry

	afterCheckpoint func(*checkpoint.Checkpoint)
}

func NewDriver(source Stream, writers []Writer, log *logrus.Entry) *Driver {
	return &Driver{
		source:  source,
		writers: writers,
		log:     log.WithField("component", "driver"),
	}
}

// OnCheckpoint registers fn to run after every writer handled a checkpoint.
func (d *Driver) OnCheckpoint(fn func(*checkpoint.Checkpoint)) {
	d.afterCheckpoint = fn
}

// StartSequence is the lowest checkpoint any writer still needs.
func (d *Driver) StartSequence() uint64 {
	var (
		start uint64
		first = true
	)
	for _, w := range d.writers {
		next := uint64(0)
		if wm, ok := w.Watermark(); ok {
			next = wm + 1
		}
		if first || next < start {
			start, first = next, false
		}
	}
	return start
}

// Run consumes the source until it ends, ctx is cancelled or every writer has
// stalled. A cancelled ctx is a clean shutdown: the checkpoint being written
// is finished first and Run returns nil.
func (d *Driver) Run(ctx context.Context) error {
	if len(d.writers) == 0 {
		return errors.New("no pipelines to run")
	}

	from := d.StartSequence()
	d.log.WithFields(logrus.Fields{"from": from, "pipelines": len(d.writers)}).Info("starting ingestion")

	srcCtx, cancelSource := context.WithCancel(ctx)
	defer cancelSource()
	checkpoints := make(chan *checkpoint.Checkpoint)
	sourceErr := make(chan error, 1)
	go func() {
		sourceErr <- d.source.Stream(srcCtx, from, checkpoints)
	}()

	// Writes never see the cancellation, so a checkpoint is never abandoned
	// half way through its lanes.
	writeCtx := context.WithoutCancel(ctx)
	lanes := make([]*lane, len(d.writers))
	var g errgroup.Group
	for i, w := range d.writers {
		l := &lane{
			writer: w,
			in:     make(chan *checkpoint.Checkpoint),
			out:    make(chan error),
		}
		lanes[i] = l
		g.Go(func() error {
			l.run(writeCtx)
			return nil
		})
	}
	defer func() {
		for _, l := range lanes {
			close(l.in)
		}
		_ = g.Wait()
	}()

	var stalls *multierror.Error
	active := len(lanes)
	for {
		if ctx.Err() != nil {
			d.log.Info("shutting down")
			return nil
		}

		var (
			cp *checkpoint.Checkpoint
			ok bool
		)
		select {
		case <-ctx.Done():
			continue
		case cp, ok = <-checkpoints:
		}
		if !ok {
			err := <-sourceErr
			if ctx.Err() != nil {
				continue
			}
			if err != nil {
				return errors.Wrap(err, "checkpoint source")
			}
			d.log.Info("checkpoint source exhausted")
			return nil
		}

		for _, l := range lanes {
			if !l.stalled {
				l.in <- cp
			}
		}
		for _, l := range lanes {
			if l.stalled {
				continue
			}
			if err := <-l.out; err != nil {
				l.stalled = true
				active--
				stalls = multierror.Append(stalls, err)
			}
		}
		if d.afterCheckpoint != nil {
			d.afterCheckpoint(cp)
		}

		if active == 0 {
			return errors.Wrap(stalls.ErrorOrNil(), "all pipelines stalled")
		}
	}
}
