// Package systemstate models the versioned global chain state and the genesis
// record it is seeded from.
//
// State is a closed tagged union. Every accessor switches over Version; adding
// a version means adding a variant here and a case to each switch.
package systemstate

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
)

// Version tags the active variant of State.
type Version uint8

const (
	VersionV1 Version = 1
	VersionV2 Version = 2
)

func (v Version) String() string {
	switch v {
	case VersionV1:
		return "V1"
	case VersionV2:
		return "V2"
	}
	return fmt.Sprintf("V?(%d)", uint8(v))
}

// ErrUnknownVersion is returned when a payload carries a variant this build
// cannot read.
var ErrUnknownVersion = errors.New("unknown system state version")

type Validator struct {
	Address            string `json:"address"`
	Name               string `json:"name"`
	VotingPower        uint64 `json:"voting_power"`
	StakingPoolBalance uint64 `json:"staking_pool_balance"`
	CommissionRate     uint64 `json:"commission_rate"`
}

type ValidatorSet struct {
	TotalStake                  uint64      `json:"total_stake"`
	ActiveValidators            []Validator `json:"active_validators"`
	PendingActiveValidatorsSize uint64      `json:"pending_active_validators_size"`
	PendingRemovals             []uint64    `json:"pending_removals"`
}

type StorageFund struct {
	TotalObjectStorageRebates uint64 `json:"total_object_storage_rebates"`
	NonRefundableBalance      uint64 `json:"non_refundable_balance"`
}

type StakeSubsidy struct {
	Balance                   uint64 `json:"balance"`
	DistributionCounter       uint64 `json:"distribution_counter"`
	CurrentDistributionAmount uint64 `json:"current_distribution_amount"`
	PeriodLength              uint64 `json:"period_length"`
	DecreaseRate              uint16 `json:"decrease_rate"`
}

// SafeMode holds the degraded-operation flag and the rewards and fees accrued
// while it is on. The four amounts are cumulative within an epoch.
type SafeMode struct {
	Enabled                 bool   `json:"enabled"`
	ComputationRewards      uint64 `json:"computation_rewards"`
	StorageRewards          uint64 `json:"storage_rewards"`
	StorageRebates          uint64 `json:"storage_rebates"`
	NonRefundableStorageFee uint64 `json:"non_refundable_storage_fee"`
}

// GasSummary is the read projection of the safe-mode amounts.
type GasSummary struct {
	ComputationCost         uint64 `json:"computation_cost"`
	StorageCost             uint64 `json:"storage_cost"`
	StorageRebate           uint64 `json:"storage_rebate"`
	NonRefundableStorageFee uint64 `json:"non_refundable_storage_fee"`
}

// Summary projects the accrued amounts the way readers see them.
func (s SafeMode) Summary() GasSummary {
	return GasSummary{
		ComputationCost:         s.ComputationRewards,
		StorageCost:             s.StorageRewards,
		StorageRebate:           s.StorageRebates,
		NonRefundableStorageFee: s.NonRefundableStorageFee,
	}
}

type ParametersV1 struct {
	EpochDurationMs                uint64 `json:"epoch_duration_ms"`
	StakeSubsidyStartEpoch         uint64 `json:"stake_subsidy_start_epoch"`
	MaxValidatorCount              uint64 `json:"max_validator_count"`
	MinValidatorJoiningStake       uint64 `json:"min_validator_joining_stake"`
	ValidatorLowStakeThreshold     uint64 `json:"validator_low_stake_threshold"`
	ValidatorVeryLowStakeThreshold uint64 `json:"validator_very_low_stake_threshold"`
	ValidatorLowStakeGracePeriod   uint64 `json:"validator_low_stake_grace_period"`
}

type ParametersV2 struct {
	ParametersV1
	MinValidatorCount uint64 `json:"min_validator_count"`
}

type InnerV1 struct {
	Epoch                 uint64       `json:"epoch"`
	ProtocolVersion       uint64       `json:"protocol_version"`
	SystemStateVersion    uint64       `json:"system_state_version"`
	Validators            ValidatorSet `json:"validators"`
	StorageFund           StorageFund  `json:"storage_fund"`
	Parameters            ParametersV1 `json:"parameters"`
	ReferenceGasPrice     uint64       `json:"reference_gas_price"`
	StakeSubsidy          StakeSubsidy `json:"stake_subsidy"`
	SafeMode              SafeMode     `json:"safe_mode"`
	EpochStartTimestampMs uint64       `json:"epoch_start_timestamp_ms"`
}

type InnerV2 struct {
	Epoch                 uint64       `json:"epoch"`
	ProtocolVersion       uint64       `json:"protocol_version"`
	SystemStateVersion    uint64       `json:"system_state_version"`
	Validators            ValidatorSet `json:"validators"`
	StorageFund           StorageFund  `json:"storage_fund"`
	Parameters            ParametersV2 `json:"parameters"`
	ReferenceGasPrice     uint64       `json:"reference_gas_price"`
	StakeSubsidy          StakeSubsidy `json:"stake_subsidy"`
	SafeMode              SafeMode     `json:"safe_mode"`
	EpochStartTimestampMs uint64       `json:"epoch_start_timestamp_ms"`
}

// State is the system state at one point of one epoch. Exactly one of V1 and
// V2 is set, matching Version.
type State struct {
	Version Version  `json:"version"`
	V1      *InnerV1 `json:"v1,omitempty"`
	V2      *InnerV2 `json:"v2,omitempty"`
}

func FromV1(inner InnerV1) State {
	return State{Version: VersionV1, V1: &inner}
}

func FromV2(inner InnerV2) State {
	return State{Version: VersionV2, V2: &inner}
}

// Validate reports whether the tag and payload agree.
func (s State) Validate() error {
	switch s.Version {
	case VersionV1:
		if s.V1 == nil || s.V2 != nil {
			return errors.Errorf("system state tagged %s has mismatched payload", s.Version)
		}
		return nil
	case VersionV2:
		if s.V2 == nil || s.V1 != nil {
			return errors.Errorf("system state tagged %s has mismatched payload", s.Version)
		}
		return nil
	}
	return errors.Wrapf(ErrUnknownVersion, "version %d", uint8(s.Version))
}

func (s State) mustBeValid() {
	if err := s.Validate(); err != nil {
		panic(err)
	}
}

func (s State) Epoch() uint64 {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		return s.V1.Epoch
	case VersionV2:
		return s.V2.Epoch
	}
	return 0
}

func (s State) ProtocolVersion() uint64 {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		return s.V1.ProtocolVersion
	case VersionV2:
		return s.V2.ProtocolVersion
	}
	return 0
}

func (s State) ReferenceGasPrice() uint64 {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		return s.V1.ReferenceGasPrice
	case VersionV2:
		return s.V2.ReferenceGasPrice
	}
	return 0
}

func (s State) SafeMode() SafeMode {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		return s.V1.SafeMode
	case VersionV2:
		return s.V2.SafeMode
	}
	return SafeMode{}
}

func (s State) StorageFund() StorageFund {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		return s.V1.StorageFund
	case VersionV2:
		return s.V2.StorageFund
	}
	return StorageFund{}
}

func (s State) StakeSubsidy() StakeSubsidy {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		return s.V1.StakeSubsidy
	case VersionV2:
		return s.V2.StakeSubsidy
	}
	return StakeSubsidy{}
}

func (s State) TotalStake() uint64 {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		return s.V1.Validators.TotalStake
	case VersionV2:
		return s.V2.Validators.TotalStake
	}
	return 0
}

func (s State) EpochStartTimestampMs() uint64 {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		return s.V1.EpochStartTimestampMs
	case VersionV2:
		return s.V2.EpochStartTimestampMs
	}
	return 0
}

// Clone returns a deep copy, so snapshots never alias a live state.
func (s State) Clone() State {
	s.mustBeValid()
	switch s.Version {
	case VersionV1:
		inner := *s.V1
		inner.Validators = cloneValidators(inner.Validators)
		return FromV1(inner)
	case VersionV2:
		inner := *s.V2
		inner.Validators = cloneValidators(inner.Validators)
		return FromV2(inner)
	}
	return State{}
}

func cloneValidators(v ValidatorSet) ValidatorSet {
	v.ActiveValidators = append([]Validator(nil), v.ActiveValidators...)
	v.PendingRemovals = append([]uint64(nil), v.PendingRemovals...)
	return v
}

// WithSafeMode returns a copy with the safe-mode block replaced.
func (s State) WithSafeMode(sm SafeMode) State {
	out := s.Clone()
	switch out.Version {
	case VersionV1:
		out.V1.SafeMode = sm
	case VersionV2:
		out.V2.SafeMode = sm
	}
	return out
}

// WithEpoch returns a copy describing the start of another epoch.
func (s State) WithEpoch(epoch, protocolVersion, startTimestampMs uint64) State {
	out := s.Clone()
	switch out.Version {
	case VersionV1:
		out.V1.Epoch = epoch
		out.V1.ProtocolVersion = protocolVersion
		out.V1.EpochStartTimestampMs = startTimestampMs
	case VersionV2:
		out.V2.Epoch = epoch
		out.V2.ProtocolVersion = protocolVersion
		out.V2.EpochStartTimestampMs = startTimestampMs
	}
	return out
}

// ParseJSON decodes a bootstrap payload of the form
// {"version": 1, "v1": {...}} or {"version": 2, "v2": {...}}.
func ParseJSON(data []byte) (State, error) {
	if !gjson.ValidBytes(data) {
		return State{}, errors.New("system state payload is not valid JSON")
	}
	tag := gjson.GetBytes(data, "version")
	if !tag.Exists() {
		return State{}, errors.New("system state payload has no version field")
	}

	var state State
	switch Version(tag.Uint()) {
	case VersionV1:
		var inner InnerV1
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "v1").Raw), &inner); err != nil {
			return State{}, errors.Wrap(err, "decoding V1 system state")
		}
		state = FromV1(inner)
	case VersionV2:
		var inner InnerV2
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "v2").Raw), &inner); err != nil {
			return State{}, errors.Wrap(err, "decoding V2 system state")
		}
		state = FromV2(inner)
	default:
		return State{}, errors.Wrapf(ErrUnknownVersion, "version %d", tag.Uint())
	}
	return state, nil
}

// GenesisRecord identifies the chain the indexer was seeded for.
type GenesisRecord struct {
	GenesisDigest          types.Digest `json:"genesis_digest"`
	InitialProtocolVersion uint64       `json:"initial_protocol_version"`
}

// CheckLineage verifies that state can be the epoch-0 state of this genesis.
func (g GenesisRecord) CheckLineage(state State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	if state.Epoch() != 0 {
		return errors.Errorf("genesis system state is for epoch %d, want 0", state.Epoch())
	}
	if state.ProtocolVersion() != g.InitialProtocolVersion {
		return errors.Errorf("genesis system state has protocol version %d, genesis record says %d",
			state.ProtocolVersion(), g.InitialProtocolVersion)
	}
	return nil
}
