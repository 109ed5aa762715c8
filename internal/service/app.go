package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/artifact"
	"github.com/medical-dx-engine/internal/config"
	"github.com/medical-dx-engine/internal/database"
	"github.com/medical-dx-engine/internal/dataset"
	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/inference"
	"github.com/medical-dx-engine/internal/interaction"
	"github.com/medical-dx-engine/internal/knowledge"
	"github.com/medical-dx-engine/internal/metrics"
	"github.com/medical-dx-engine/internal/ranker"
	"github.com/medical-dx-engine/internal/refcache"
	"github.com/medical-dx-engine/internal/repository"
	"github.com/medical-dx-engine/internal/scheduler"
	"github.com/medical-dx-engine/internal/training"
	"github.com/medical-dx-engine/pkg/external"
)

// Knowledge source names accepted by knowledge.source.
const (
	KnowledgeEmbedded = "embedded"
	KnowledgeFile     = "file"
	KnowledgePostgres = "postgres"
)

// ExternalServices groups the reference service implementations.
type ExternalServices struct {
	Literature external.LiteratureService
	Formulary  external.FormularyService
	Normalizer external.DrugNormalizer
	Indicators external.IndicatorService
}

// CuratedServices returns the static in-process implementations.
func CuratedServices() ExternalServices {
	return ExternalServices{
		Literature: external.NewCuratedLiterature(),
		Formulary:  external.NewCuratedFormulary(),
		Normalizer: external.NewCuratedNormalizer(),
		Indicators: external.NewCuratedIndicators(),
	}
}

// LiveServices returns the HTTP clients for the public reference APIs.
func LiveServices(cfg domain.ExternalAPIConfig) ExternalServices {
	return ExternalServices{
		Literature: external.NewPubMedClient(cfg.PubMed),
		Formulary:  external.NewOpenFDAClient(cfg.OpenFDA),
		Normalizer: external.NewRxNormClient(cfg.RxNorm),
		Indicators: external.NewGHOClient(cfg.GHO.APIClientConfig),
	}
}

// AppOption customizes NewApp.
type AppOption func(*appOptions)

type appOptions struct {
	services *ExternalServices
	metrics  *metrics.Metrics
}

// WithExternalServices overrides the services selected by the mode.
func WithExternalServices(s ExternalServices) AppOption {
	return func(o *appOptions) { o.services = &s }
}

// WithMetrics shares an existing metrics registry.
func WithMetrics(m *metrics.Metrics) AppOption {
	return func(o *appOptions) { o.metrics = m }
}

// App owns every component built from a configuration.
type App struct {
	Config    *domain.Config
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
	Service   *DiagnosticService
	Knowledge *knowledge.Store
	Registry  *artifact.Registry
	Artifacts *artifact.FileStore
	Cache     *refcache.Cache
	DB        *database.DB

	closers []func() error
}

// NewApp wires the engine from cfg. Components that fail to start are
// closed before the error is returned.
func NewApp(ctx context.Context, cfg *domain.Config, logger *logrus.Logger, opts ...AppOption) (*App, error) {
	o := &appOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	app := &App{Config: cfg, Logger: logger, Metrics: o.metrics}
	if err := app.build(ctx, o); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o *appOptions) error {
	cfg, logger := a.Config, a.Logger

	if cfg.Database.Enabled {
		if err := a.openDatabase(ctx); err != nil {
			return err
		}
	}

	source, err := a.knowledgeSource()
	if err != nil {
		return err
	}
	a.Knowledge = knowledge.NewStore(source, logger)
	stats, err := a.Knowledge.Load(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"source":          source.Name(),
		"loaded":          stats.Loaded,
		"skipped":         stats.Skipped,
		"dropped_aliases": stats.DroppedAliases,
	}).Info("Knowledge base loaded")

	backend, err := refcache.NewBackend(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("creating reference cache: %w", err)
	}
	a.Cache = refcache.New(backend, cfg.Cache, logger, refcache.WithMetrics(a.Metrics))
	a.closers = append(a.closers, a.Cache.Close)

	services := CuratedServices()
	if !cfg.IsCurated() {
		services = LiveServices(cfg.ExternalAPI)
	}
	if o.services != nil {
		services = *o.services
	}

	a.Artifacts, err = artifact.NewFileStore(cfg.Artifacts.Dir, logger)
	if err != nil {
		return err
	}
	a.Registry = artifact.NewRegistry(logger)
	if err := a.Registry.LoadCurrent(ctx, a.Artifacts); err != nil {
		if !errors.Is(err, domain.ErrModelNotReady) {
			return fmt.Errorf("loading active model: %w", err)
		}
		logger.Warn("No trained model available; only the fast path will answer until training runs")
	} else {
		a.Metrics.SetModelAccuracy(a.Registry.Current().Artifact.HeldOutAccuracy)
	}

	examples, err := a.openExamples()
	if err != nil {
		return err
	}

	engine := inference.NewEngine(inference.ConfigFromDomain(cfg.Inference), a.Registry, a.Knowledge, a.Metrics, logger)
	trainer := training.NewTrainer(training.ConfigFromDomain(cfg.Training, cfg.Artifacts),
		a.Knowledge, a.Artifacts, a.Registry, a.Metrics, logger)
	resolver := interaction.NewResolver(interaction.ConfigFromDomain(cfg.Interactions), nil,
		services.Formulary, services.Normalizer, a.Cache, a.Metrics, logger)
	enricher := knowledge.NewEnricher(a.Knowledge, services.Literature, services.Indicators, a.Cache,
		knowledge.EnricherConfig{Indicators: cfg.ExternalAPI.GHO.Indicators}, logger)

	a.Service = NewDiagnosticService(Dependencies{
		Knowledge:      a.Knowledge,
		Ranker:         ranker.New(engine, a.Knowledge, logger),
		Trainer:        trainer,
		Models:         a.Registry,
		Interactions:   resolver,
		Examples:       examples,
		Enricher:       enricher,
		PriorityLabels: cfg.Training.PriorityLabels,
	}, logger)

	logger.WithFields(logrus.Fields{
		"mode":          cfg.Mode,
		"cache_backend": cfg.Cache.Backend,
		"examples":      cfg.Dataset.Backend,
		"model_loaded":  a.Registry.Current() != nil,
	}).Info("Diagnostic engine initialized")
	return nil
}

func (a *App) openDatabase(ctx context.Context) error {
	dbCfg := a.Config.Database
	if dbCfg.AutoMigrate {
		if err := Migrate(ctx, dbCfg, a.Logger); err != nil {
			return err
		}
	}
	db, err := database.NewConnection(ctx, database.ConfigFromDomain(dbCfg), a.Logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func() error {
		db.Close()
		return nil
	})

	missing, err := db.MissingTables(ctx)
	if err != nil {
		return fmt.Errorf("inspecting schema: %w", err)
	}
	if len(missing) > 0 {
		a.Logger.WithField("missing_tables", missing).Warn("Database schema is not migrated; run dxctl migrate up")
	}
	return nil
}

// Migrate applies every pending schema migration.
func Migrate(ctx context.Context, cfg domain.DatabaseConfig, logger *logrus.Logger) error {
	runner, err := database.NewMigrationRunner(config.DatabaseURL(cfg), logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Up(ctx)
}

func (a *App) knowledgeSource() (knowledge.RecordSource, error) {
	k := a.Config.Knowledge
	switch k.Source {
	case KnowledgeEmbedded, "":
		return knowledge.NewEmbeddedSource(a.Logger), nil
	case KnowledgeFile:
		return knowledge.NewFileSource(k.Path, a.Logger), nil
	case KnowledgePostgres:
		if a.DB == nil {
			return nil, fmt.Errorf("%w: knowledge source postgres requires database.enabled", domain.ErrInvalidInput)
		}
		repo := repository.NewConditionRepository(a.DB.Pool, a.Logger)
		return knowledge.NewPostgresSource(repo, knowledge.NewEmbeddedSource(a.Logger), a.Logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown knowledge source %q", domain.ErrInvalidInput, k.Source)
	}
}

func (a *App) openExamples() (dataset.Store, error) {
	dsCfg := a.Config.Dataset
	if dsCfg.Backend == dataset.BackendPostgres && dsCfg.PostgresURL == "" && a.Config.Database.Enabled {
		dsCfg.PostgresURL = config.DatabaseURL(a.Config.Database)
	}
	store, err := dataset.Open(dsCfg)
	if err != nil {
		return nil, fmt.Errorf("opening example store: %w", err)
	}
	if store != nil {
		a.closers = append(a.closers, store.Close)
	}
	return store, nil
}

// Scheduler builds the cron scheduler for retraining and enrichment.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	sc := a.Config.Scheduler
	s := scheduler.New(0, a.Metrics, a.Logger)
	if sc.RetrainSpec != "" {
		err := s.Add(scheduler.JobRetrain, sc.RetrainSpec, func(ctx context.Context) error {
			_, err := a.Service.Train(ctx, nil)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	if sc.EnrichSpec != "" {
		err := s.Add(scheduler.JobEnrich, sc.EnrichSpec, func(ctx context.Context) error {
			_, err := a.Service.Enrich(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases every resource in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
