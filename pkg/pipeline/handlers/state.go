package handlers

import (
	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-indexer/pkg/accumulator"
	"github.com/withObsrvr/checkpoint-indexer/pkg/epoch"
	"github.com/withObsrvr/checkpoint-indexer/pkg/pipeline"
	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
)

// GenesisRegion holds the bootstrap record and the epoch-0 system state.
const GenesisRegion = "genesis"

var (
	genesisRecordKey = store.NameKey("record")
	genesisStateKey  = store.NameKey("initial_state")

	trackerKey     = store.NameKey("tracker")
	accumulatorKey = store.NameKey("accumulator")
)

// ErrNotBootstrapped means a pipeline needs genesis data that was never
// written.
var ErrNotBootstrapped = errors.New("indexer has not been bootstrapped")

// Genesis is everything bootstrap seeds.
type Genesis struct {
	Record       systemstate.GenesisRecord
	InitialState systemstate.State
}

// StageGenesis writes the genesis record and state in tx.
func StageGenesis(tx store.Tx, g Genesis) error {
	if err := store.Put(tx, GenesisRegion, genesisRecordKey, g.Record); err != nil {
		return err
	}
	return store.Put(tx, GenesisRegion, genesisStateKey, g.InitialState)
}

// LoadGenesis reads the genesis data, reporting whether it exists.
func LoadGenesis(r store.Reader) (Genesis, bool, error) {
	var g Genesis
	err := store.Get(r, GenesisRegion, genesisRecordKey, &g.Record)
	if errors.Is(err, store.ErrNotFound) {
		return Genesis{}, false, nil
	}
	if err != nil {
		return Genesis{}, false, err
	}
	if err := store.Get(r, GenesisRegion, genesisStateKey, &g.InitialState); err != nil {
		return Genesis{}, false, errors.Wrap(err, "genesis record present without initial state")
	}
	return g, true, nil
}

// loadTracker restores the pipeline's epoch tracker, seeding it from
// genesis the first time.
func loadTracker(r store.Reader, name string) (*epoch.Tracker, error) {
	var st epoch.State
	err := store.Get(r, StateRegion(name), trackerKey, &st)
	switch {
	case err == nil:
		t, err := epoch.Restore(st)
		return t, pipeline.Fatal(err)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	g, ok, err := LoadGenesis(r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pipeline.Fatal(ErrNotBootstrapped)
	}
	t, err := epoch.New(g.InitialState, 0)
	return t, pipeline.Fatal(err)
}

func saveTracker(tx store.Tx, name string, t *epoch.Tracker) error {
	return store.Put(tx, StateRegion(name), trackerKey, t.State())
}

// loadAccumulator restores the pipeline's accumulator. A pipeline that has
// not run yet starts from the empty set.
func loadAccumulator(r store.Reader, name string) (*accumulator.Accumulator, error) {
	acc := accumulator.New()
	data, err := r.Get(StateRegion(name), accumulatorKey)
	if errors.Is(err, store.ErrNotFound) {
		return acc, nil
	}
	if err != nil {
		return nil, err
	}
	if err := acc.UnmarshalBinary(data); err != nil {
		return nil, pipeline.Fatal(errors.Wrap(err, "decoding accumulator"))
	}
	return acc, nil
}

func saveAccumulator(tx store.Tx, name string, acc *accumulator.Accumulator) error {
	data, err := acc.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Put(StateRegion(name), accumulatorKey, data)
}
