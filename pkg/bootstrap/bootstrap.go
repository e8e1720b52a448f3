// Package bootstrap seeds an empty store with the genesis record and the
// epoch-0 system state. It runs at most once per store.
package bootstrap

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/checkpoint-indexer/pkg/pipeline/handlers"
	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

var (
	// ErrAlreadyBootstrapped is returned when the store already holds genesis
	// data or pipeline progress.
	ErrAlreadyBootstrapped = errors.New("indexer already bootstrapped")
	// ErrGenesisMismatch means the store was seeded for a different chain.
	ErrGenesisMismatch = errors.New("stored genesis does not match configuration")
)

// Bootstrap writes the genesis record, the initial system state and the
// kv_epoch_starts row for epoch 0 in a single transaction. pipelines lists
// every pipeline whose watermark must not exist yet.
func Bootstrap(ctx context.Context, s store.Store, genesis systemstate.GenesisRecord, initial systemstate.State,
	pipelines []string, log *logrus.Entry) error {
	if err := genesis.CheckLineage(initial); err != nil {
		return errors.Wrap(err, "invalid bootstrap state")
	}

	err := s.Update(ctx, func(tx store.Tx) error {
		_, found, err := handlers.LoadGenesis(tx)
		if err != nil {
			return err
		}
		if found {
			return errors.Wrap(ErrAlreadyBootstrapped, "genesis record exists")
		}
		progressed, err := watermark.Any(tx, pipelines)
		if err != nil {
			return err
		}
		if progressed {
			return errors.Wrap(ErrAlreadyBootstrapped, "pipelines have already committed checkpoints")
		}

		if err := handlers.StageGenesis(tx, handlers.Genesis{Record: genesis, InitialState: initial.Clone()}); err != nil {
			return err
		}
		return store.Put(tx, handlers.KvEpochStarts, store.SeqKey(0), handlers.NewEpochStartRow(initial, 0))
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"component":        "bootstrap",
		"genesis_digest":   genesis.GenesisDigest.String(),
		"protocol_version": genesis.InitialProtocolVersion,
		"state_version":    initial.Version.String(),
	}).Info("bootstrapped indexer")
	return nil
}

// Bootstrapped reports the stored genesis record, if any.
func Bootstrapped(ctx context.Context, s store.Store) (systemstate.GenesisRecord, bool, error) {
	var (
		g     handlers.Genesis
		found bool
	)
	err := s.View(ctx, func(r store.Reader) error {
		var err error
		g, found, err = handlers.LoadGenesis(r)
		return err
	})
	return g.Record, found, err
}

// Ensure bootstraps an empty store and otherwise checks that the stored
// genesis is the configured one.
func Ensure(ctx context.Context, s store.Store, genesis systemstate.GenesisRecord, initial func() (systemstate.State, error),
	pipelines []string, log *logrus.Entry) error {
	stored, found, err := Bootstrapped(ctx, s)
	if err != nil {
		return err
	}
	if found {
		if stored != genesis {
			return errors.Wrapf(ErrGenesisMismatch, "stored %s (protocol %d), configured %s (protocol %d)",
				stored.GenesisDigest, stored.InitialProtocolVersion, genesis.GenesisDigest, genesis.InitialProtocolVersion)
		}
		return nil
	}

	state, err := initial()
	if err != nil {
		return errors.Wrap(err, "loading bootstrap system state")
	}
	return Bootstrap(ctx, s, genesis, state, pipelines, log)
}

// LoadStateFile reads a JSON system-state payload from path.
func LoadStateFile(path string) (systemstate.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return systemstate.State{}, errors.Wrap(err, "reading system state file")
	}
	return systemstate.ParseJSON(data)
}
