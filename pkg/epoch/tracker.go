// Package epoch folds checkpoints into per-epoch system-state snapshots.
//
// A Tracker moves through Open(n) -> Closing(n) -> Open(n+1). It leaves
// Open(n) only on a checkpoint carrying end-of-epoch data, and the whole
// transition happens inside Apply: either both the closed snapshot of n and
// the opening state of n+1 are produced, or the tracker is left untouched.
package epoch

import (
	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
)

type Phase uint8

const (
	Open Phase = iota + 1
	Closing
)

func (p Phase) String() string {
	switch p {
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return "invalid"
}

var (
	// ErrEpochMismatch means a checkpoint claims a different epoch than the
	// tracker is in. Checkpoints were skipped or reordered.
	ErrEpochMismatch = errors.New("checkpoint epoch does not match tracker")
	// ErrLineage means the protocol version or epoch numbering went backwards.
	ErrLineage  = errors.New("system state lineage violated")
	ErrBadPhase = errors.New("tracker in unexpected phase")
)

// State is the persisted form of a Tracker.
type State struct {
	Epoch            uint64            `json:"epoch"`
	Phase            Phase             `json:"phase"`
	Current          systemstate.State `json:"current"`
	FirstCheckpoint  uint64            `json:"first_checkpoint"`
	StartTimestampMs uint64            `json:"start_timestamp_ms"`
}

// Closed is the immutable record of a finished epoch.
type Closed struct {
	Epoch            uint64 `json:"epoch"`
	FirstCheckpoint  uint64 `json:"first_checkpoint"`
	LastCheckpoint   uint64 `json:"last_checkpoint"`
	StartTimestampMs uint64 `json:"start_timestamp_ms"`
	EndTimestampMs   uint64 `json:"end_timestamp_ms"`
	// TxHi is the network transaction count at the end of the epoch.
	TxHi  uint64            `json:"tx_hi"`
	State systemstate.State `json:"state"`
	// SuppliedCommitments are recorded as delivered. The live-object-set
	// digest the indexer serves is computed locally and set by the caller.
	SuppliedCommitments []checkpoint.Commitment `json:"supplied_commitments,omitempty"`
	LiveObjectSetDigest *types.Digest           `json:"live_object_set_digest,omitempty"`
}

// Started describes the first moment of a new epoch.
type Started struct {
	Epoch            uint64            `json:"epoch"`
	ProtocolVersion  uint64            `json:"protocol_version"`
	FirstCheckpoint  uint64            `json:"first_checkpoint"`
	StartTimestampMs uint64            `json:"start_timestamp_ms"`
	State            systemstate.State `json:"state"`
}

// Transition is produced by the checkpoint that closes an epoch.
type Transition struct {
	Closed  Closed
	Started Started
}

type Tracker struct {
	state State
}

// New starts a tracker at the given state, which opens its epoch at
// firstCheckpoint.
func New(initial systemstate.State, firstCheckpoint uint64) (*Tracker, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{state: State{
		Epoch:            initial.Epoch(),
		Phase:            Open,
		Current:          initial.Clone(),
		FirstCheckpoint:  firstCheckpoint,
		StartTimestampMs: initial.EpochStartTimestampMs(),
	}}, nil
}

// Restore resumes a tracker from its persisted state.
func Restore(s State) (*Tracker, error) {
	if s.Phase != Open {
		return nil, errors.Wrapf(ErrBadPhase, "restored tracker is %s", s.Phase)
	}
	if err := s.Current.Validate(); err != nil {
		return nil, errors.Wrap(err, "restored tracker has no valid system state")
	}
	if s.Current.Epoch() != s.Epoch {
		return nil, errors.Wrapf(ErrLineage, "restored tracker at epoch %d holds state of epoch %d", s.Epoch, s.Current.Epoch())
	}
	s.Current = s.Current.Clone()
	return &Tracker{state: s}, nil
}

func (t *Tracker) State() State {
	s := t.state
	s.Current = s.Current.Clone()
	return s
}

func (t *Tracker) Epoch() uint64 {
	return t.state.Epoch
}

func (t *Tracker) Phase() Phase {
	return t.state.Phase
}

// Current is the latest observed system state of the open epoch.
func (t *Tracker) Current() systemstate.State {
	return t.state.Current.Clone()
}

// Apply folds one checkpoint into the tracker. It returns a Transition when
// the checkpoint closes the epoch, nil otherwise.
func (t *Tracker) Apply(cp *checkpoint.Checkpoint) (*Transition, error) {
	if t.state.Phase != Open {
		return nil, errors.Wrapf(ErrBadPhase, "cannot apply checkpoint %d while %s", cp.SequenceNumber, t.state.Phase)
	}
	if cp.Epoch != t.state.Epoch {
		return nil, errors.Wrapf(ErrEpochMismatch, "checkpoint %d is in epoch %d, tracker is in epoch %d",
			cp.SequenceNumber, cp.Epoch, t.state.Epoch)
	}

	// Work on a copy so a failed transition leaves the tracker unchanged.
	next := t.state
	next.Current = next.Current.Clone()

	var observedNext *systemstate.State
	for i := range cp.Mutations {
		s := cp.Mutations[i].SystemState
		if s == nil {
			continue
		}
		switch epoch := s.Epoch(); {
		case epoch == next.Epoch:
			next.Current = s.Clone()
		case epoch == next.Epoch+1 && cp.IsEndOfEpoch():
			clone := s.Clone()
			observedNext = &clone
		default:
			return nil, errors.Wrapf(ErrLineage, "checkpoint %d of epoch %d writes system state for epoch %d",
				cp.SequenceNumber, next.Epoch, epoch)
		}
	}

	if !cp.IsEndOfEpoch() {
		t.state = next
		return nil, nil
	}

	next.Phase = Closing
	closed := closeEpoch(&next, cp)

	started, err := openEpoch(&next, cp, observedNext)
	if err != nil {
		return nil, err
	}
	t.state = next
	return &Transition{Closed: closed, Started: started}, nil
}

// closeEpoch snapshots the epoch being closed. The safe-mode block is
// whatever accumulated in the latest observed state.
func closeEpoch(s *State, cp *checkpoint.Checkpoint) Closed {
	return Closed{
		Epoch:               s.Epoch,
		FirstCheckpoint:     s.FirstCheckpoint,
		LastCheckpoint:      cp.SequenceNumber,
		StartTimestampMs:    s.StartTimestampMs,
		EndTimestampMs:      cp.TimestampMs,
		TxHi:                cp.NetworkTotalTransactions,
		State:               s.Current.Clone(),
		SuppliedCommitments: append([]checkpoint.Commitment(nil), cp.EndOfEpoch.EpochCommitments...),
	}
}

// openEpoch moves s from Closing(n) to Open(n+1).
func openEpoch(s *State, cp *checkpoint.Checkpoint, observed *systemstate.State) (Started, error) {
	if s.Phase != Closing {
		return Started{}, errors.Wrapf(ErrBadPhase, "cannot open an epoch while %s", s.Phase)
	}
	eoe := cp.EndOfEpoch
	epoch := s.Epoch + 1

	var state systemstate.State
	switch {
	case eoe.NextSystemState != nil:
		state = eoe.NextSystemState.Clone()
	case observed != nil:
		state = observed.Clone()
	default:
		state = NextState(s.Current, epoch, eoe.NextEpochProtocolVersion, cp.TimestampMs, eoe.NextEpochSafeMode)
	}

	if state.Epoch() != epoch {
		return Started{}, errors.Wrapf(ErrLineage, "next system state is for epoch %d, want %d", state.Epoch(), epoch)
	}
	if state.ProtocolVersion() < s.Current.ProtocolVersion() {
		return Started{}, errors.Wrapf(ErrLineage, "protocol version went from %d to %d at epoch %d",
			s.Current.ProtocolVersion(), state.ProtocolVersion(), epoch)
	}

	s.Epoch = epoch
	s.Phase = Open
	s.Current = state
	s.FirstCheckpoint = cp.SequenceNumber + 1
	s.StartTimestampMs = cp.TimestampMs

	return Started{
		Epoch:            epoch,
		ProtocolVersion:  state.ProtocolVersion(),
		FirstCheckpoint:  cp.SequenceNumber + 1,
		StartTimestampMs: cp.TimestampMs,
		State:            state.Clone(),
	}, nil
}

// NextState derives the opening state of epoch from the closing one when the
// checkpoint does not carry it. Safe-mode rewards start from zero unless the
// chain stays in safe mode, in which case they keep accumulating.
func NextState(closing systemstate.State, epoch, protocolVersion, startMs uint64, stayInSafeMode bool) systemstate.State {
	next := closing.WithEpoch(epoch, protocolVersion, startMs)
	if stayInSafeMode {
		sm := next.SafeMode()
		sm.Enabled = true
		return next.WithSafeMode(sm)
	}
	return next.WithSafeMode(systemstate.SafeMode{})
}
