// Package pipeline fans an ordered checkpoint stream out to independent
// writers, each maintaining one materialized view and its own watermark.
package pipeline

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
)

var (
	// ErrFatal marks errors that retrying cannot fix: undecodable rows,
	// missing bootstrap data or a broken epoch lineage.
	ErrFatal = errors.New("fatal pipeline error")
	// ErrStalled is returned by a writer that stopped making progress.
	ErrStalled = errors.New("pipeline stalled")
)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string        { return e.err.Error() }
func (e *fatalError) Unwrap() error        { return e.err }
func (e *fatalError) Is(target error) bool { return target == ErrFatal }

// Fatal marks err as not retryable. It returns nil for a nil err.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// StallError is how a writer reports that it gave up on a checkpoint.
type StallError struct {
	Pipeline   string
	Checkpoint uint64
	Err        error
}

func (e *StallError) Error() string {
	return fmt.Sprintf("pipeline %s stalled at checkpoint %d: %v", e.Pipeline, e.Checkpoint, e.Err)
}

func (e *StallError) Unwrap() error        { return e.Err }
func (e *StallError) Is(target error) bool { return target == ErrStalled }

// Handler computes one pipeline's rows for a checkpoint. Process must only
// write through tx: the rows and the pipeline's watermark commit together or
// not at all, and a retried checkpoint sees none of the failed attempt.
type Handler interface {
	Name() string
	Process(ctx context.Context, tx store.Tx, cp *checkpoint.Checkpoint) error
}

// Writer consumes checkpoints in order for one pipeline.
type Writer interface {
	Name() string
	// Consume commits cp or skips it if it is at or below the watermark.
	Consume(ctx context.Context, cp *checkpoint.Checkpoint) error
	// Watermark is the highest committed checkpoint, if any.
	Watermark() (uint64, bool)
}
