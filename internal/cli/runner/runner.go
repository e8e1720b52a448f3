package runner

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	cliconfig "github.com/withObsrvr/checkpoint-indexer/internal/cli/config"
	"github.com/withObsrvr/checkpoint-indexer/internal/cli/utils"
	"github.com/withObsrvr/checkpoint-indexer/internal/config"
	"github.com/withObsrvr/checkpoint-indexer/pkg/bootstrap"
	"github.com/withObsrvr/checkpoint-indexer/pkg/indexer"
	"github.com/withObsrvr/checkpoint-indexer/pkg/pipeline/handlers"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
)

type Options struct {
	ConfigFile string
	Settings   *cliconfig.Settings
}

// Runner turns a configuration file into an indexer process.
type Runner struct {
	opts Options
}

func New(opts Options) *Runner {
	if opts.Settings == nil {
		opts.Settings = &cliconfig.Settings{}
	}
	return &Runner{opts: opts}
}

// Load reads the configuration file without validating it.
func (r *Runner) Load() (*config.Config, error) {
	return config.Load(r.opts.ConfigFile)
}

// Validate loads the configuration and checks it against the pipelines this
// binary ships.
func (r *Runner) Validate() (*config.ValidationResult, error) {
	cfg, err := r.Load()
	if err != nil {
		return nil, err
	}
	return cfg.Validate(handlers.DefaultRegistry().Names()), nil
}

func (r *Runner) logger(cfg *config.Config) (*logrus.Entry, error) {
	level, format := cfg.Log.Level, cfg.Log.Format
	if r.opts.Settings.LogLevel != "" {
		level = r.opts.Settings.LogLevel
	}
	if r.opts.Settings.LogFormat != "" {
		format = r.opts.Settings.LogFormat
	}
	log, err := utils.NewLogger(level, format)
	if err != nil {
		return nil, err
	}
	return log.WithField("service", cfg.ServiceID), nil
}

// Run indexes until the configured end checkpoint or until ctx is cancelled.
// Cancellation is a clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	cfg, err := r.Load()
	if err != nil {
		return err
	}
	log, err := r.logger(cfg)
	if err != nil {
		return err
	}
	for _, w := range cfg.Validate(handlers.DefaultRegistry().Names()).Warnings {
		log.Warn(w)
	}

	svc, err := indexer.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			log.WithError(cerr).Error("shutdown incomplete")
		}
	}()

	err = svc.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("indexer stopped")
		return nil
	}
	return err
}

// Bootstrap seeds an empty store from the configured genesis and system state
// file without indexing anything. A store that already holds data is left
// untouched and reported with bootstrap.ErrAlreadyBootstrapped.
func (r *Runner) Bootstrap(ctx context.Context) (systemstate.GenesisRecord, error) {
	cfg, err := r.Load()
	if err != nil {
		return systemstate.GenesisRecord{}, err
	}
	log, err := r.logger(cfg)
	if err != nil {
		return systemstate.GenesisRecord{}, err
	}
	if cfg.Bootstrap.SystemStateFile == "" {
		return systemstate.GenesisRecord{}, errors.New("bootstrap_genesis.system_state_file is not set")
	}
	state, err := bootstrap.LoadStateFile(cfg.Bootstrap.SystemStateFile)
	if err != nil {
		return systemstate.GenesisRecord{}, err
	}

	s, err := indexer.OpenStore(ctx, cfg.Storage, log)
	if err != nil {
		return systemstate.GenesisRecord{}, err
	}
	defer s.Close()

	genesis := systemstate.GenesisRecord{
		GenesisDigest:          cfg.Bootstrap.GenesisDigest,
		InitialProtocolVersion: cfg.Bootstrap.InitialProtocolVersion,
	}
	if err := bootstrap.Bootstrap(ctx, s, genesis, state, handlers.DefaultRegistry().Names(), log); err != nil {
		return systemstate.GenesisRecord{}, err
	}
	return genesis, nil
}
