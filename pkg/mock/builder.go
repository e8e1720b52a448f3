package mock

import (
	"fmt"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
)

// Builder produces a consistent run of checkpoints. It remembers which
// objects are live so mutations remove the right previous versions.
type Builder struct {
	seq             uint64
	epoch           uint64
	timestampMs     uint64
	networkTotalTxs uint64
	protocolVersion uint64

	live    map[types.ObjectID]types.ObjectRef
	pending []checkpoint.ObjectMutation
	txs     uint64
}

// NewBuilder starts building at sequence number seq in epoch 0.
func NewBuilder(seq uint64) *Builder {
	return &Builder{
		seq:         seq,
		timestampMs: 1_000 * (seq + 1),
		live:        make(map[types.ObjectID]types.ObjectRef),
	}
}

func (b *Builder) WithEpoch(epoch uint64) *Builder {
	b.epoch = epoch
	return b
}

func (b *Builder) WithProtocolVersion(v uint64) *Builder {
	b.protocolVersion = v
	return b
}

// CreateObject adds a new object at version 1 in its own transaction.
func (b *Builder) CreateObject(id uint64) *Builder {
	oid := types.ObjectIDFromUint(id)
	if _, ok := b.live[oid]; ok {
		panic(fmt.Sprintf("object %d already exists", id))
	}
	ref := types.ObjectRef{ID: oid, Version: 1, Digest: objectDigest(oid, 1)}
	b.live[oid] = ref
	b.pending = append(b.pending, checkpoint.ObjectMutation{Kind: checkpoint.Insert, Object: ref})
	b.txs++
	return b
}

// MutateObject replaces the live version of an object with the next one.
func (b *Builder) MutateObject(id uint64) *Builder {
	oid := types.ObjectIDFromUint(id)
	prev, ok := b.live[oid]
	if !ok {
		panic(fmt.Sprintf("object %d does not exist", id))
	}
	ref := types.ObjectRef{ID: oid, Version: prev.Version + 1, Digest: objectDigest(oid, prev.Version+1)}
	b.live[oid] = ref
	b.pending = append(b.pending,
		checkpoint.ObjectMutation{Kind: checkpoint.Remove, Object: prev},
		checkpoint.ObjectMutation{Kind: checkpoint.Insert, Object: ref},
	)
	b.txs++
	return b
}

func (b *Builder) DeleteObject(id uint64) *Builder {
	oid := types.ObjectIDFromUint(id)
	prev, ok := b.live[oid]
	if !ok {
		panic(fmt.Sprintf("object %d does not exist", id))
	}
	delete(b.live, oid)
	b.pending = append(b.pending, checkpoint.ObjectMutation{Kind: checkpoint.Remove, Object: prev})
	b.txs++
	return b
}

// WriteSystemState records a new version of the system-state object.
func (b *Builder) WriteSystemState(state systemstate.State) *Builder {
	b.writeOutputs([]checkpoint.ObjectMutation{{
		Kind:        checkpoint.Insert,
		Object:      types.ObjectRef{ID: types.SystemStateObjectID},
		SystemState: &state,
	}})
	b.txs++
	return b
}

// writeOutputs adds output objects, replacing earlier live versions and
// assigning versions to refs that carry none.
func (b *Builder) writeOutputs(outputs []checkpoint.ObjectMutation) {
	for _, m := range outputs {
		ref := m.Object
		if prev, ok := b.live[ref.ID]; ok {
			b.pending = append(b.pending, checkpoint.ObjectMutation{Kind: checkpoint.Remove, Object: prev})
			if ref.Version <= prev.Version {
				ref.Version = prev.Version + 1
			}
		} else if ref.Version == 0 {
			ref.Version = 1
		}
		if m.SystemState != nil {
			s := m.SystemState.Clone()
			ref = systemStateRef(s, ref.Version)
			m.SystemState = &s
		} else if ref.Digest.IsZero() {
			ref.Digest = objectDigest(ref.ID, ref.Version)
		}
		m.Kind = checkpoint.Insert
		m.Object = ref
		b.live[ref.ID] = ref
		b.pending = append(b.pending, m)
	}
}

// Build emits the pending mutations as the next checkpoint.
func (b *Builder) Build() *checkpoint.Checkpoint {
	return b.emit(nil)
}

func (b *Builder) emit(eoe *checkpoint.EndOfEpochData) *checkpoint.Checkpoint {
	b.networkTotalTxs += b.txs
	cp := &checkpoint.Checkpoint{
		SequenceNumber:           b.seq,
		Epoch:                    b.epoch,
		TimestampMs:              b.timestampMs,
		Digest:                   checkpointDigest(b.seq),
		TransactionCount:         b.txs,
		NetworkTotalTransactions: b.networkTotalTxs,
		Mutations:                b.pending,
		EndOfEpoch:               eoe,
	}
	b.seq++
	b.timestampMs += 1_000
	b.pending = nil
	b.txs = 0
	return cp
}

// AdvanceEpochConfig shapes the checkpoint that closes the current epoch.
type AdvanceEpochConfig struct {
	// OutputObjects are written by the change-epoch transaction.
	OutputObjects []checkpoint.ObjectMutation
	// ProtocolVersion of the next epoch; zero keeps the current one.
	ProtocolVersion uint64
	SafeMode        bool
	NextSystemState *systemstate.State
	// Commitments default to a placeholder live-object-set digest of all ones.
	Commitments []checkpoint.Commitment
}

// AdvanceEpoch emits the last checkpoint of the current epoch. Following
// checkpoints belong to the next epoch.
func (b *Builder) AdvanceEpoch(cfg AdvanceEpochConfig) *checkpoint.Checkpoint {
	b.writeOutputs(cfg.OutputObjects)
	b.txs++

	next := cfg.ProtocolVersion
	if next == 0 {
		next = b.protocolVersion
	}
	commitments := cfg.Commitments
	if commitments == nil {
		commitments = []checkpoint.Commitment{{Kind: checkpoint.ECMHLiveObjectSetDigest, Digest: types.Repeat(1)}}
	}
	cp := b.emit(&checkpoint.EndOfEpochData{
		NextEpochProtocolVersion: next,
		NextEpochSafeMode:        cfg.SafeMode,
		NextSystemState:          cfg.NextSystemState,
		EpochCommitments:         commitments,
	})
	b.epoch++
	b.protocolVersion = next
	return cp
}
