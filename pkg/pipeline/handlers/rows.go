// Package handlers implements the indexer's pipelines. Each handler owns its
// data region and a state region; nothing is shared between handlers.
package handlers

import (
	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
)

// Pipeline names double as the names of their data regions.
const (
	CpSequenceNumbers = "cp_sequence_numbers"
	KvEpochStarts     = "kv_epoch_starts"
	KvEpochEnds       = "kv_epoch_ends"
	CpCommitments     = "cp_commitments"
)

// StateRegion holds a pipeline's private progress state.
func StateRegion(pipeline string) string {
	return pipeline + ".state"
}

// CheckpointRow is keyed by sequence number in cp_sequence_numbers.
type CheckpointRow struct {
	SequenceNumber uint64       `json:"sequence_number"`
	Epoch          uint64       `json:"epoch"`
	TxLo           uint64       `json:"tx_lo"`
	TimestampMs    uint64       `json:"timestamp_ms"`
	Digest         types.Digest `json:"digest"`
}

// EpochStartRow is keyed by epoch in kv_epoch_starts.
type EpochStartRow struct {
	Epoch             uint64            `json:"epoch"`
	ProtocolVersion   uint64            `json:"protocol_version"`
	CpLo              uint64            `json:"cp_lo"`
	StartTimestampMs  uint64            `json:"start_timestamp_ms"`
	ReferenceGasPrice uint64            `json:"reference_gas_price"`
	SystemState       systemstate.State `json:"system_state"`
}

// EpochEndRow is keyed by epoch in kv_epoch_ends. It is written once.
type EpochEndRow struct {
	Epoch               uint64                   `json:"epoch"`
	CpHi                uint64                   `json:"cp_hi"`
	TxHi                uint64                   `json:"tx_hi"`
	EndTimestampMs      uint64                   `json:"end_timestamp_ms"`
	SafeMode            systemstate.SafeMode     `json:"safe_mode"`
	StorageFund         systemstate.StorageFund  `json:"storage_fund"`
	TotalStake          uint64                   `json:"total_stake"`
	StakeSubsidy        systemstate.StakeSubsidy `json:"stake_subsidy"`
	LiveObjectSetDigest types.Digest             `json:"live_object_set_digest"`
	SuppliedCommitments []checkpoint.Commitment  `json:"supplied_commitments,omitempty"`
	SystemState         systemstate.State        `json:"system_state"`
}

// CommitmentRow is keyed by sequence number in cp_commitments.
type CommitmentRow struct {
	SequenceNumber uint64       `json:"sequence_number"`
	Epoch          uint64       `json:"epoch"`
	Digest         types.Digest `json:"digest"`
}

// NewEpochStartRow describes an epoch that opens at cpLo.
func NewEpochStartRow(state systemstate.State, cpLo uint64) EpochStartRow {
	return EpochStartRow{
		Epoch:             state.Epoch(),
		ProtocolVersion:   state.ProtocolVersion(),
		CpLo:              cpLo,
		StartTimestampMs:  state.EpochStartTimestampMs(),
		ReferenceGasPrice: state.ReferenceGasPrice(),
		SystemState:       state.Clone(),
	}
}
