package checkpoint

import (
	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
)

// MutationKind says whether an object ref enters or leaves the live set.
type MutationKind uint8

const (
	Insert MutationKind = iota + 1
	Remove
)

func (k MutationKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Remove:
		return "remove"
	}
	return "unknown"
}

// ObjectMutation is one change to the live object set. Inserts of the
// system-state object carry its decoded contents.
type ObjectMutation struct {
	Kind        MutationKind       `json:"kind"`
	Object      types.ObjectRef    `json:"object"`
	SystemState *systemstate.State `json:"system_state,omitempty"`
}

// CommitmentKind enumerates the commitments an epoch-end checkpoint may carry.
type CommitmentKind uint8

const ECMHLiveObjectSetDigest CommitmentKind = 1

type Commitment struct {
	Kind   CommitmentKind `json:"kind"`
	Digest types.Digest   `json:"digest"`
}

// EndOfEpochData marks the last checkpoint of an epoch.
type EndOfEpochData struct {
	NextEpochProtocolVersion uint64 `json:"next_epoch_protocol_version"`
	// NextEpochSafeMode keeps safe mode on across the boundary when no full
	// next state is supplied.
	NextEpochSafeMode bool               `json:"next_epoch_safe_mode"`
	NextSystemState   *systemstate.State `json:"next_system_state,omitempty"`
	EpochCommitments  []Commitment       `json:"epoch_commitments,omitempty"`
}

// Checkpoint is one finalized, sequence-numbered batch of state changes.
type Checkpoint struct {
	SequenceNumber           uint64           `json:"sequence_number"`
	Epoch                    uint64           `json:"epoch"`
	TimestampMs              uint64           `json:"timestamp_ms"`
	Digest                   types.Digest     `json:"digest"`
	TransactionCount         uint64           `json:"transaction_count"`
	NetworkTotalTransactions uint64           `json:"network_total_transactions"`
	Mutations                []ObjectMutation `json:"mutations,omitempty"`
	EndOfEpoch               *EndOfEpochData  `json:"end_of_epoch,omitempty"`
}

func (c *Checkpoint) IsEndOfEpoch() bool {
	return c.EndOfEpoch != nil
}

// TxLo is the network-wide index of the first transaction in this checkpoint.
func (c *Checkpoint) TxLo() uint64 {
	return c.NetworkTotalTransactions - c.TransactionCount
}

// LatestSystemState returns the last system-state object written by this
// checkpoint, if any.
func (c *Checkpoint) LatestSystemState() *systemstate.State {
	var latest *systemstate.State
	for i := range c.Mutations {
		if c.Mutations[i].SystemState != nil {
			latest = c.Mutations[i].SystemState
		}
	}
	return latest
}

// Validate checks structural invariants a decoder cannot express.
func (c *Checkpoint) Validate() error {
	if c.TransactionCount > c.NetworkTotalTransactions {
		return errors.Errorf("checkpoint %d: %d transactions exceed network total %d",
			c.SequenceNumber, c.TransactionCount, c.NetworkTotalTransactions)
	}
	for i, m := range c.Mutations {
		switch m.Kind {
		case Insert:
		case Remove:
			if m.SystemState != nil {
				return errors.Errorf("checkpoint %d: mutation %d removes an object but carries system state", c.SequenceNumber, i)
			}
		default:
			return errors.Errorf("checkpoint %d: mutation %d has unknown kind %d", c.SequenceNumber, i, m.Kind)
		}
		if m.SystemState != nil {
			if m.Object.ID != types.SystemStateObjectID {
				return errors.Errorf("checkpoint %d: mutation %d carries system state for object %s", c.SequenceNumber, i, m.Object.ID)
			}
			if err := m.SystemState.Validate(); err != nil {
				return errors.Wrapf(err, "checkpoint %d: mutation %d", c.SequenceNumber, i)
			}
		}
	}
	if c.EndOfEpoch != nil && c.EndOfEpoch.NextSystemState != nil {
		if err := c.EndOfEpoch.NextSystemState.Validate(); err != nil {
			return errors.Wrapf(err, "checkpoint %d: next epoch system state", c.SequenceNumber)
		}
	}
	return nil
}
