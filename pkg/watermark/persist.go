package watermark

import (
	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
)

// Region holds one Record per pipeline, keyed by pipeline name. A pipeline
// writes its own record in the same transaction as its data.
const Region = "watermarks"

type Record struct {
	CheckpointHi uint64 `json:"checkpoint_hi"`
	EpochHi      uint64 `json:"epoch_hi"`
	TimestampMs  uint64 `json:"timestamp_ms"`
}

// Load reads the persisted watermark of a pipeline.
func Load(r store.Reader, pipeline string) (Record, bool, error) {
	var rec Record
	err := store.Get(r, Region, store.NameKey(pipeline), &rec)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "loading watermark of %s", pipeline)
	}
	return rec, true, nil
}

// Stage writes a pipeline's watermark into tx, refusing to move it backwards.
func Stage(tx store.Tx, pipeline string, rec Record) error {
	prev, ok, err := Load(tx, pipeline)
	if err != nil {
		return err
	}
	if ok && rec.CheckpointHi < prev.CheckpointHi {
		return &RegressionError{Pipeline: pipeline, Current: prev.CheckpointHi, Attempted: rec.CheckpointHi}
	}
	return store.Put(tx, Region, store.NameKey(pipeline), rec)
}

// Any reports whether any of the named pipelines has committed a checkpoint.
func Any(r store.Reader, pipelines []string) (bool, error) {
	for _, name := range pipelines {
		_, ok, err := Load(r, name)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
