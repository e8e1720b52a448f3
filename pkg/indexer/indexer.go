// Package indexer assembles the store, source, pipelines and read side into
// one running service.
package indexer

import (
	"context"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/checkpoint-indexer/internal/config"
	"github.com/withObsrvr/checkpoint-indexer/pkg/alert"
	"github.com/withObsrvr/checkpoint-indexer/pkg/bootstrap"
	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/control"
	"github.com/withObsrvr/checkpoint-indexer/pkg/metrics"
	"github.com/withObsrvr/checkpoint-indexer/pkg/pipeline"
	"github.com/withObsrvr/checkpoint-indexer/pkg/pipeline/handlers"
	"github.com/withObsrvr/checkpoint-indexer/pkg/progress"
	"github.com/withObsrvr/checkpoint-indexer/pkg/query"
	"github.com/withObsrvr/checkpoint-indexer/pkg/source"
	"github.com/withObsrvr/checkpoint-indexer/pkg/store"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

// Option overrides a component New would otherwise build from config.
type Option func(*Service)

// WithStore uses s instead of opening storage.type. The service takes
// ownership and closes it.
func WithStore(s store.Store) Option {
	return func(svc *Service) { svc.store = s }
}

// WithFetcher uses f instead of building one from source.type.
func WithFetcher(f source.Fetcher) Option {
	return func(svc *Service) { svc.fetcher = f }
}

func WithRegistry(r *pipeline.Registry) Option {
	return func(svc *Service) { svc.registry = r }
}

// WithInitialState bootstraps an empty store from state instead of reading
// bootstrap_genesis.system_state_file.
func WithInitialState(state systemstate.State) Option {
	return func(svc *Service) {
		svc.initialState = func() (systemstate.State, error) { return state, nil }
	}
}

type Service struct {
	cfg *config.Config
	log *logrus.Entry

	registry     *pipeline.Registry
	store        store.Store
	fetcher      source.Fetcher
	initialState func() (systemstate.State, error)

	promRegistry *prometheus.Registry
	metrics      *metrics.Collector
	coord        *watermark.Coordinator
	source       *source.Source
	writers      []pipeline.Writer
	driver       *pipeline.Driver
	reader       *query.Reader

	server   *query.Server
	progress *progress.Manager
	mirror   *watermark.RedisMirror
	redis    *redis.Client
	alerts   *alert.Dispatcher
	control  *control.Client
}

// New opens storage, bootstraps it if it is empty and prepares every enabled
// pipeline. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, log *logrus.Entry, opts ...Option) (_ *Service, err error) {
	svc := &Service{
		cfg:          cfg,
		log:          log.WithField("component", "indexer"),
		registry:     handlers.DefaultRegistry(),
		promRegistry: prometheus.NewRegistry(),
	}
	svc.initialState = func() (systemstate.State, error) {
		if cfg.Bootstrap.SystemStateFile == "" {
			return systemstate.State{}, errors.New("store is empty and bootstrap_genesis.system_state_file is not set")
		}
		return bootstrap.LoadStateFile(cfg.Bootstrap.SystemStateFile)
	}
	for _, opt := range opts {
		opt(svc)
	}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	if result := cfg.Validate(svc.registry.Names()); result.HasErrors() {
		return nil, errors.Wrap(result.Err(), "invalid configuration")
	}

	svc.metrics = metrics.NewCollector(svc.promRegistry)
	svc.promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc.coord = watermark.NewCoordinator(log, svc.metrics)

	if svc.store == nil {
		if svc.store, err = OpenStore(ctx, cfg.Storage, log); err != nil {
			return nil, err
		}
	}

	genesis := systemstate.GenesisRecord{
		GenesisDigest:          cfg.Bootstrap.GenesisDigest,
		InitialProtocolVersion: cfg.Bootstrap.InitialProtocolVersion,
	}
	if err := bootstrap.Ensure(ctx, svc.store, genesis, svc.initialState, svc.registry.Names(), log); err != nil {
		return nil, err
	}

	enabled := cfg.EnabledPipelines(svc.registry.Names())
	hs, err := svc.registry.Build(enabled, log)
	if err != nil {
		return nil, err
	}
	writerCfg := pipeline.WriterConfig{
		MaxRetries:     cfg.Writer.MaxRetries,
		InitialBackoff: cfg.Writer.InitialBackoff,
		MaxBackoff:     cfg.Writer.MaxBackoff,
	}
	for _, h := range hs {
		w, err := pipeline.NewStoreWriter(ctx, h, svc.store, svc.coord, writerCfg, log, svc.metrics)
		if err != nil {
			return nil, err
		}
		svc.writers = append(svc.writers, w)
	}

	if svc.fetcher == nil {
		svc.fetcher, err = source.NewFetcher(ctx, source.FetcherSpec{
			Type:            cfg.Source.Type,
			Path:            cfg.Source.Path,
			URL:             cfg.Source.URL,
			Bucket:          cfg.Source.Bucket,
			Prefix:          cfg.Source.Prefix,
			Region:          cfg.Source.Region,
			Endpoint:        cfg.Source.Endpoint,
			CredentialsFile: cfg.Source.CredentialsFile,
			Timeout:         cfg.Source.Timeout,
		})
		if err != nil {
			return nil, err
		}
	}
	svc.source = source.New(svc.fetcher, source.Config{
		Concurrency:    cfg.Source.Concurrency,
		End:            cfg.Source.End,
		InitialBackoff: cfg.Source.Retry.InitialBackoff,
		MaxBackoff:     cfg.Source.Retry.MaxBackoff,
		MaxRetries:     cfg.Source.Retry.MaxRetries,
	}, log, svc.metrics)

	svc.driver = pipeline.NewDriver(svc.source, svc.writers, log)
	svc.reader = query.NewReader(svc.store, svc.coord)

	if err := svc.setupAuxiliary(ctx, log); err != nil {
		return nil, err
	}

	svc.log.WithFields(logrus.Fields{
		"pipelines": enabled,
		"storage":   cfg.Storage.Type,
		"source":    cfg.Source.Type,
	}).Info("indexer ready")
	return svc, nil
}

// setupAuxiliary builds the optional components: each is enabled by its
// config section.
func (s *Service) setupAuxiliary(ctx context.Context, log *logrus.Entry) error {
	cfg := s.cfg

	if cfg.Query.Address != "" {
		s.server = query.NewServer(s.reader, query.ServerConfig{
			Addr:        cfg.Query.Address,
			WaitTimeout: cfg.Query.DefaultTimeout,
		}, s.promRegistry, log)
	}

	if cfg.Status.Path != "" {
		pm, err := progress.NewManager(cfg.Status.Path, cfg.ServiceID, cfg.Status.Interval, cfg, log)
		if err != nil {
			return err
		}
		s.progress = pm
		s.driver.OnCheckpoint(func(*checkpoint.Checkpoint) { pm.RecordFetched(1) })
	}

	if cfg.WatermarkMirror.RedisAddress != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.WatermarkMirror.RedisAddress})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "connecting to redis at %s", cfg.WatermarkMirror.RedisAddress)
		}
		s.mirror = watermark.NewRedisMirror(s.redis, s.coord, cfg.WatermarkMirror.KeyPrefix, cfg.WatermarkMirror.Channel, log)
	}

	var notifiers []alert.Notifier
	if cfg.Alerts.SlackWebhookURL != "" || cfg.Alerts.SlackToken != "" {
		n, err := alert.NewSlack(alert.SlackConfig{
			WebhookURL: cfg.Alerts.SlackWebhookURL,
			Token:      cfg.Alerts.SlackToken,
			Channels:   cfg.Alerts.SlackChannels,
		})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Alerts.SendgridAPIKey != "" {
		n, err := alert.NewEmail(alert.EmailConfig{
			APIKey: cfg.Alerts.SendgridAPIKey,
			From:   cfg.Alerts.EmailFrom,
			To:     cfg.Alerts.EmailTo,
		})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, n)
	}
	if len(notifiers) > 0 {
		s.alerts = alert.NewDispatcher(notifiers...)
	}

	if cfg.ControlPlane.Endpoint != "" {
		c, err := control.NewClient(cfg.ControlPlane.Endpoint, cfg.ServiceID, cfg.ControlPlane.ServiceName, log)
		if err != nil {
			return err
		}
		stats := control.NewIndexerStats(s.coord)
		c.SetMetricsProvider(stats)
		c.SetHealthChecker(stats)
		s.control = c
	}
	return nil
}

func (s *Service) Reader() *query.Reader { return s.reader }

func (s *Service) Coordinator() *watermark.Coordinator { return s.coord }

func (s *Service) Gatherer() prometheus.Gatherer { return s.promRegistry }

// Run ingests until the source ends, ctx is cancelled or every pipeline has
// stalled. The auxiliary components stop with it.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	if s.control != nil {
		hostname, _ := os.Hostname()
		if err := s.control.Register(ctx, map[string]string{
			"hostname":  hostname,
			"pipelines": strings.Join(s.coord.Pipelines(), ","),
		}); err != nil {
			// The indexer does not depend on the control plane.
			s.log.WithError(err).Warn("control plane registration failed")
		} else {
			g.Go(func() error {
				s.control.StartHeartbeat(auxCtx, s.cfg.ControlPlane.HeartbeatInterval)
				return nil
			})
		}
	}
	if s.server != nil {
		g.Go(func() error { return s.server.ListenAndServe(auxCtx) })
	}
	if s.progress != nil {
		g.Go(func() error {
			s.progress.Run(auxCtx, s.coord.Snapshot)
			return nil
		})
	}
	if s.mirror != nil {
		g.Go(func() error { return s.mirror.Run(auxCtx) })
	}
	if s.alerts != nil {
		g.Go(func() error { return alert.Watch(auxCtx, s.coord, s.cfg.ServiceID, s.alerts, s.log) })
	}

	g.Go(func() error {
		defer stopAux()
		err := s.driver.Run(gctx)
		if err != nil && s.alerts != nil {
			if nerr := alert.NotifyFatal(gctx, s.alerts, s.cfg.ServiceID, err); nerr != nil {
				s.log.WithError(nerr).Error("failed to send fatal alert")
			}
		}
		return err
	})
	return g.Wait()
}

// Close releases the source, store and connections. It is safe to call on a
// partially built service.
func (s *Service) Close() error {
	var result *multierror.Error
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing source"))
		}
	} else if s.fetcher != nil {
		if err := s.fetcher.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing fetcher"))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing redis"))
		}
	}
	if s.control != nil {
		if err := s.control.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing control plane client"))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "closing store"))
		}
	}
	return result.ErrorOrNil()
}

// OpenStore opens the backend named by storage.type.
func OpenStore(ctx context.Context, cfg config.StorageConfig, log *logrus.Entry) (store.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return store.NewMemory(), nil
	case "badger":
		return store.OpenBadger(cfg.Path, log)
	case "postgres", "sqlite":
		dialect, err := store.DialectByName(cfg.Type)
		if err != nil {
			return nil, err
		}
		return store.OpenSQL(ctx, dialect, cfg.DSN)
	}
	return nil, errors.Errorf("unknown storage type %q", cfg.Type)
}
