package handlers

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/pipeline"
	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
)

// Register adds every built-in pipeline to r.
func Register(r *pipeline.Registry) error {
	for name, f := range map[string]pipeline.Factory{
		CpSequenceNumbers: func(log *logrus.Entry) pipeline.Handler { return &SequenceNumbers{log: log} },
		KvEpochStarts:     func(log *logrus.Entry) pipeline.Handler { return &EpochStarts{log: log} },
		KvEpochEnds:       func(log *logrus.Entry) pipeline.Handler { return &EpochEnds{log: log} },
		CpCommitments:     func(log *logrus.Entry) pipeline.Handler { return &Commitments{log: log} },
	} {
		if err := r.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRegistry is a registry holding the built-in pipelines.
func DefaultRegistry() *pipeline.Registry {
	r := pipeline.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

// SequenceNumbers maps every checkpoint to its epoch and first transaction.
type SequenceNumbers struct {
	log *logrus.Entry
}

func (h *SequenceNumbers) Name() string { return CpSequenceNumbers }

func (h *SequenceNumbers) Process(ctx context.Context, tx store.Tx, cp *checkpoint.Checkpoint) error {
	return store.Put(tx, CpSequenceNumbers, store.SeqKey(cp.SequenceNumber), CheckpointRow{
		SequenceNumber: cp.SequenceNumber,
		Epoch:          cp.Epoch,
		TxLo:           cp.TxLo(),
		TimestampMs:    cp.TimestampMs,
		Digest:         cp.Digest,
	})
}

// EpochStarts records the opening system state of every epoch after the
// first, which bootstrap writes.
type EpochStarts struct {
	log *logrus.Entry
}

func (h *EpochStarts) Name() string { return KvEpochStarts }

func (h *EpochStarts) Process(ctx context.Context, tx store.Tx, cp *checkpoint.Checkpoint) error {
	t, err := loadTracker(tx, KvEpochStarts)
	if err != nil {
		return err
	}
	tn, err := t.Apply(cp)
	if err != nil {
		return pipeline.Fatal(err)
	}
	if tn != nil {
		row := EpochStartRow{
			Epoch:             tn.Started.Epoch,
			ProtocolVersion:   tn.Started.ProtocolVersion,
			CpLo:              tn.Started.FirstCheckpoint,
			StartTimestampMs:  tn.Started.StartTimestampMs,
			ReferenceGasPrice: tn.Started.State.ReferenceGasPrice(),
			SystemState:       tn.Started.State,
		}
		if err := store.Put(tx, KvEpochStarts, store.SeqKey(row.Epoch), row); err != nil {
			return err
		}
		h.log.WithFields(logrus.Fields{
			"epoch":            row.Epoch,
			"protocol_version": row.ProtocolVersion,
			"cp_lo":            row.CpLo,
		}).Info("epoch started")
	}
	return saveTracker(tx, KvEpochStarts, t)
}

// EpochEnds records the closing snapshot of every epoch together with the
// live-object-set digest computed from the accumulated object set.
type EpochEnds struct {
	log *logrus.Entry
}

func (h *EpochEnds) Name() string { return KvEpochEnds }

func (h *EpochEnds) Process(ctx context.Context, tx store.Tx, cp *checkpoint.Checkpoint) error {
	t, err := loadTracker(tx, KvEpochEnds)
	if err != nil {
		return err
	}
	acc, err := loadAccumulator(tx, KvEpochEnds)
	if err != nil {
		return err
	}
	if err := acc.Update(cp.Mutations); err != nil {
		return pipeline.Fatal(err)
	}

	tn, err := t.Apply(cp)
	if err != nil {
		return pipeline.Fatal(err)
	}
	if tn != nil {
		closed := tn.Closed
		key := store.SeqKey(closed.Epoch)
		exists, err := store.Exists(tx, KvEpochEnds, key)
		if err != nil {
			return err
		}
		if exists {
			return pipeline.Fatal(errors.Errorf("epoch %d already closed", closed.Epoch))
		}

		digest := acc.Snapshot()
		for _, c := range closed.SuppliedCommitments {
			if c.Kind == checkpoint.ECMHLiveObjectSetDigest && c.Digest != digest {
				h.log.WithFields(logrus.Fields{
					"epoch":    closed.Epoch,
					"supplied": c.Digest.String(),
					"computed": digest.String(),
				}).Debug("supplied live object set digest differs from computed")
			}
		}

		state := closed.State
		row := EpochEndRow{
			Epoch:               closed.Epoch,
			CpHi:                closed.LastCheckpoint,
			TxHi:                closed.TxHi,
			EndTimestampMs:      closed.EndTimestampMs,
			SafeMode:            state.SafeMode(),
			StorageFund:         state.StorageFund(),
			TotalStake:          state.TotalStake(),
			StakeSubsidy:        state.StakeSubsidy(),
			LiveObjectSetDigest: digest,
			SuppliedCommitments: closed.SuppliedCommitments,
			SystemState:         state,
		}
		if err := store.Put(tx, KvEpochEnds, key, row); err != nil {
			return err
		}
		h.log.WithFields(logrus.Fields{
			"epoch":     row.Epoch,
			"cp_hi":     row.CpHi,
			"safe_mode": row.SafeMode.Enabled,
		}).Info("epoch ended")
	}

	if err := saveAccumulator(tx, KvEpochEnds, acc); err != nil {
		return err
	}
	return saveTracker(tx, KvEpochEnds, t)
}

// Commitments records the live-object-set digest after every checkpoint.
type Commitments struct {
	log *logrus.Entry
}

func (h *Commitments) Name() string { return CpCommitments }

func (h *Commitments) Process(ctx context.Context, tx store.Tx, cp *checkpoint.Checkpoint) error {
	acc, err := loadAccumulator(tx, CpCommitments)
	if err != nil {
		return err
	}
	if err := acc.Update(cp.Mutations); err != nil {
		return pipeline.Fatal(err)
	}
	if err := store.Put(tx, CpCommitments, store.SeqKey(cp.SequenceNumber), CommitmentRow{
		SequenceNumber: cp.SequenceNumber,
		Epoch:          cp.Epoch,
		Digest:         acc.Snapshot(),
	}); err != nil {
		return err
	}
	return saveAccumulator(tx, CpCommitments, acc)
}
