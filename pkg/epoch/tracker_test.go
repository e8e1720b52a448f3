package epoch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/mock"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
)

func safeModeState() systemstate.State {
	inner := mock.SystemStateInnerV1()
	inner.SafeMode = systemstate.SafeMode{
		Enabled:                 true,
		ComputationRewards:      1,
		StorageRewards:          2,
		StorageRebates:          3,
		NonRefundableStorageFee: 4,
	}
	return systemstate.FromV1(inner)
}

func newTracker(t *testing.T, initial systemstate.State) *Tracker {
	t.Helper()
	tr, err := New(initial, 0)
	require.NoError(t, err)
	return tr
}

func TestOrdinaryCheckpointKeepsEpochOpen(t *testing.T) {
	tr := newTracker(t, systemstate.FromV1(mock.SystemStateInnerV1()))
	b := mock.NewBuilder(0)

	tn, err := tr.Apply(b.CreateObject(1).Build())
	require.NoError(t, err)
	assert.Nil(t, tn)
	assert.Equal(t, Open, tr.Phase())
	assert.Equal(t, uint64(0), tr.Epoch())
}

func TestAdvanceEpochTransitions(t *testing.T) {
	genesis := systemstate.FromV1(mock.SystemStateInnerV1())
	tr := newTracker(t, genesis)
	b := mock.NewBuilder(0)

	_, err := tr.Apply(b.CreateObject(1).Build())
	require.NoError(t, err)
	cp := b.AdvanceEpoch(mock.AdvanceEpochConfig{ProtocolVersion: 3})

	tn, err := tr.Apply(cp)
	require.NoError(t, err)
	require.NotNil(t, tn)

	assert.Equal(t, uint64(0), tn.Closed.Epoch)
	assert.Equal(t, uint64(0), tn.Closed.FirstCheckpoint)
	assert.Equal(t, cp.SequenceNumber, tn.Closed.LastCheckpoint)
	assert.Equal(t, cp.TimestampMs, tn.Closed.EndTimestampMs)
	assert.Equal(t, cp.NetworkTotalTransactions, tn.Closed.TxHi)
	assert.Len(t, tn.Closed.SuppliedCommitments, 1)
	assert.Nil(t, tn.Closed.LiveObjectSetDigest)

	assert.Equal(t, uint64(1), tn.Started.Epoch)
	assert.Equal(t, uint64(3), tn.Started.ProtocolVersion)
	assert.Equal(t, cp.SequenceNumber+1, tn.Started.FirstCheckpoint)
	assert.Equal(t, cp.TimestampMs, tn.Started.StartTimestampMs)

	assert.Equal(t, Open, tr.Phase())
	assert.Equal(t, uint64(1), tr.Epoch())
	assert.Equal(t, uint64(1), tr.Current().Epoch())

	_, err = tr.Apply(b.Build())
	assert.NoError(t, err)
}

func TestSafeModeIsReportedOnClosedEpoch(t *testing.T) {
	state := safeModeState()
	tr := newTracker(t, state)
	b := mock.NewBuilder(0)

	tn, err := tr.Apply(b.AdvanceEpoch(mock.AdvanceEpochConfig{
		OutputObjects: mock.GenesisOutputObjects(state),
	}))
	require.NoError(t, err)
	require.NotNil(t, tn)

	sm := tn.Closed.State.SafeMode()
	assert.True(t, sm.Enabled)
	assert.Equal(t, systemstate.GasSummary{
		ComputationCost:         1,
		StorageCost:             2,
		StorageRebate:           3,
		NonRefundableStorageFee: 4,
	}, sm.Summary())

	// Leaving safe mode starts the new epoch from zero.
	assert.Equal(t, systemstate.SafeMode{}, tr.Current().SafeMode())
}

func TestSafeModePersistsAcrossBoundary(t *testing.T) {
	tr := newTracker(t, safeModeState())
	b := mock.NewBuilder(0)

	_, err := tr.Apply(b.AdvanceEpoch(mock.AdvanceEpochConfig{SafeMode: true}))
	require.NoError(t, err)

	sm := tr.Current().SafeMode()
	assert.True(t, sm.Enabled)
	assert.Equal(t, uint64(1), sm.ComputationRewards)
}

func TestNextSystemStateWinsAndMaySwitchVersion(t *testing.T) {
	tr := newTracker(t, systemstate.FromV1(mock.SystemStateInnerV1()))
	b := mock.NewBuilder(0)

	v2 := mock.SystemStateInnerV2()
	v2.Epoch = 1
	v2.ProtocolVersion = 2
	v2.ReferenceGasPrice = 750
	next := systemstate.FromV2(v2)

	observed := mock.SystemStateInnerV1()
	observed.Epoch = 1
	observed.ReferenceGasPrice = 1

	tn, err := tr.Apply(b.AdvanceEpoch(mock.AdvanceEpochConfig{
		OutputObjects:   mock.GenesisOutputObjects(systemstate.FromV1(observed)),
		ProtocolVersion: 2,
		NextSystemState: &next,
	}))
	require.NoError(t, err)
	assert.Equal(t, systemstate.VersionV2, tn.Started.State.Version)
	assert.Equal(t, uint64(750), tr.Current().ReferenceGasPrice())
	assert.Equal(t, systemstate.VersionV1, tn.Closed.State.Version)
}

func TestObservedNextStateIsUsed(t *testing.T) {
	tr := newTracker(t, systemstate.FromV1(mock.SystemStateInnerV1()))
	b := mock.NewBuilder(0)

	observed := mock.SystemStateInnerV1()
	observed.Epoch = 1
	observed.ReferenceGasPrice = 42

	_, err := tr.Apply(b.AdvanceEpoch(mock.AdvanceEpochConfig{
		OutputObjects: mock.GenesisOutputObjects(systemstate.FromV1(observed)),
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), tr.Current().ReferenceGasPrice())
}

func TestApplyErrors(t *testing.T) {
	genesis := systemstate.FromV1(mock.SystemStateInnerV1())

	withProtocol := func(v uint64) systemstate.State {
		inner := mock.SystemStateInnerV1()
		inner.ProtocolVersion = v
		return systemstate.FromV1(inner)
	}

	tests := []struct {
		name    string
		initial systemstate.State
		cp      func() *checkpoint.Checkpoint
		wantErr error
	}{
		{
			name:    "checkpoint from another epoch",
			initial: genesis,
			cp:      func() *checkpoint.Checkpoint { return mock.NewBuilder(5).WithEpoch(2).Build() },
			wantErr: ErrEpochMismatch,
		},
		{
			name:    "system state two epochs ahead",
			initial: genesis,
			cp: func() *checkpoint.Checkpoint {
				inner := mock.SystemStateInnerV1()
				inner.Epoch = 2
				return mock.NewBuilder(0).WriteSystemState(systemstate.FromV1(inner)).Build()
			},
			wantErr: ErrLineage,
		},
		{
			name:    "next state for the wrong epoch",
			initial: genesis,
			cp: func() *checkpoint.Checkpoint {
				inner := mock.SystemStateInnerV1()
				inner.Epoch = 7
				next := systemstate.FromV1(inner)
				return mock.NewBuilder(0).AdvanceEpoch(mock.AdvanceEpochConfig{NextSystemState: &next})
			},
			wantErr: ErrLineage,
		},
		{
			name:    "protocol version goes backwards",
			initial: withProtocol(5),
			cp: func() *checkpoint.Checkpoint {
				return mock.NewBuilder(0).WithProtocolVersion(5).AdvanceEpoch(mock.AdvanceEpochConfig{ProtocolVersion: 4})
			},
			wantErr: ErrLineage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t, tt.initial)
			before := tr.State()

			tn, err := tr.Apply(tt.cp())
			assert.Nil(t, tn)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, before, tr.State(), "failed apply must not change the tracker")
		})
	}
}

func TestRestore(t *testing.T) {
	tr := newTracker(t, safeModeState())
	saved := tr.State()

	restored, err := Restore(saved)
	require.NoError(t, err)
	assert.Equal(t, saved, restored.State())

	bad := saved
	bad.Phase = Closing
	_, err = Restore(bad)
	assert.True(t, errors.Is(err, ErrBadPhase))

	bad = saved
	bad.Epoch = 3
	_, err = Restore(bad)
	assert.True(t, errors.Is(err, ErrLineage))

	bad = saved
	bad.Current = systemstate.State{Version: systemstate.VersionV2}
	_, err = Restore(bad)
	assert.Error(t, err)
}

func TestClosedSnapshotDoesNotAliasTracker(t *testing.T) {
	inner := mock.SystemStateInnerV1()
	inner.Validators.ActiveValidators = []systemstate.Validator{{Name: "v0"}}
	tr := newTracker(t, systemstate.FromV1(inner))

	tn, err := tr.Apply(mock.NewBuilder(0).AdvanceEpoch(mock.AdvanceEpochConfig{}))
	require.NoError(t, err)

	tr.state.Current.V1.Validators.ActiveValidators[0].Name = "changed"
	assert.Equal(t, "v0", tn.Closed.State.V1.Validators.ActiveValidators[0].Name)
}

func TestNextState(t *testing.T) {
	closing := safeModeState()

	next := NextState(closing, 1, 9, 1234, false)
	assert.Equal(t, uint64(1), next.Epoch())
	assert.Equal(t, uint64(9), next.ProtocolVersion())
	assert.Equal(t, uint64(1234), next.EpochStartTimestampMs())
	assert.Equal(t, systemstate.SafeMode{}, next.SafeMode())

	stay := NextState(closing, 1, 9, 1234, true)
	assert.Equal(t, closing.SafeMode(), stay.SafeMode())
	assert.True(t, closing.SafeMode().Enabled, "closing state is not modified")
}
