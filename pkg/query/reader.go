// Package query is the read side of the indexer. Readers name the pipelines
// and checkpoint they depend on, wait for them, then read the views.
package query

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
	"github.com/withObsrvr/checkpoint-indexer/pkg/pipeline/handlers"
	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

// ErrNotFound is returned for epochs, checkpoints or genesis data that are
// not stored.
var ErrNotFound = store.ErrNotFound

// Epoch joins the start and, once closed, the end of an epoch.
type Epoch struct {
	Epoch uint64                  `json:"epoch"`
	Start handlers.EpochStartRow  `json:"start"`
	End   *handlers.EpochEndRow   `json:"end,omitempty"`
	// SafeMode is the closing safe-mode block of a finished epoch and the
	// opening one of the current epoch.
	SafeMode   systemstate.SafeMode   `json:"safe_mode"`
	GasSummary systemstate.GasSummary `json:"gas_summary"`
}

type Reader struct {
	store store.Store
	coord *watermark.Coordinator
}

func NewReader(s store.Store, coord *watermark.Coordinator) *Reader {
	return &Reader{store: s, coord: coord}
}

// WaitFor blocks until every named pipeline has committed seq. It fails fast
// with watermark.ErrUnknownPipeline and returns a *watermark.TimeoutError when
// timeout elapses first.
func (r *Reader) WaitFor(ctx context.Context, pipelines []string, seq uint64, timeout time.Duration) error {
	return r.coord.WaitUntil(ctx, pipelines, seq, timeout)
}

func (r *Reader) Epoch(ctx context.Context, n uint64) (Epoch, error) {
	var out Epoch
	err := r.store.View(ctx, func(rd store.Reader) error {
		if err := store.Get(rd, handlers.KvEpochStarts, store.SeqKey(n), &out.Start); err != nil {
			return errors.Wrapf(err, "epoch %d", n)
		}
		var end handlers.EpochEndRow
		err := store.Get(rd, handlers.KvEpochEnds, store.SeqKey(n), &end)
		switch {
		case err == nil:
			out.End = &end
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return Epoch{}, err
	}

	out.Epoch = n
	if out.End != nil {
		out.SafeMode = out.End.SafeMode
	} else {
		out.SafeMode = out.Start.SystemState.SafeMode()
	}
	out.GasSummary = out.SafeMode.Summary()
	return out, nil
}

func (r *Reader) SafeMode(ctx context.Context, n uint64) (systemstate.SafeMode, error) {
	e, err := r.Epoch(ctx, n)
	if err != nil {
		return systemstate.SafeMode{}, err
	}
	return e.SafeMode, nil
}

// LiveObjectSetDigest is the digest computed when epoch n closed.
func (r *Reader) LiveObjectSetDigest(ctx context.Context, n uint64) (types.Digest, error) {
	var end handlers.EpochEndRow
	err := r.store.View(ctx, func(rd store.Reader) error {
		return store.Get(rd, handlers.KvEpochEnds, store.SeqKey(n), &end)
	})
	if err != nil {
		return types.Digest{}, errors.Wrapf(err, "end of epoch %d", n)
	}
	return end.LiveObjectSetDigest, nil
}

func (r *Reader) Checkpoint(ctx context.Context, seq uint64) (handlers.CheckpointRow, error) {
	var row handlers.CheckpointRow
	err := r.store.View(ctx, func(rd store.Reader) error {
		return store.Get(rd, handlers.CpSequenceNumbers, store.SeqKey(seq), &row)
	})
	return row, errors.Wrapf(err, "checkpoint %d", seq)
}

func (r *Reader) Commitment(ctx context.Context, seq uint64) (handlers.CommitmentRow, error) {
	var row handlers.CommitmentRow
	err := r.store.View(ctx, func(rd store.Reader) error {
		return store.Get(rd, handlers.CpCommitments, store.SeqKey(seq), &row)
	})
	return row, errors.Wrapf(err, "commitment at checkpoint %d", seq)
}

func (r *Reader) Genesis(ctx context.Context) (systemstate.GenesisRecord, error) {
	var (
		g     handlers.Genesis
		found bool
	)
	err := r.store.View(ctx, func(rd store.Reader) error {
		var err error
		g, found, err = handlers.LoadGenesis(rd)
		return err
	})
	if err != nil {
		return systemstate.GenesisRecord{}, err
	}
	if !found {
		return systemstate.GenesisRecord{}, errors.Wrap(ErrNotFound, "genesis")
	}
	return g.Record, nil
}

// Watermarks is the coordinator's view of every pipeline.
func (r *Reader) Watermarks() []watermark.Status {
	return r.coord.Snapshot()
}
