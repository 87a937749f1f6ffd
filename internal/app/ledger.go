// Package app assembles the ledger components every binary shares, so the
// api, the payments worker and the cron worker apply the same rules.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/starsfund-backend/internal/anonymize"
	"github.com/angelmondragon/starsfund-backend/internal/archive"
	"github.com/angelmondragon/starsfund-backend/internal/campaigns"
	"github.com/angelmondragon/starsfund-backend/internal/intake"
	"github.com/angelmondragon/starsfund-backend/internal/ledger"
	"github.com/angelmondragon/starsfund-backend/internal/projection"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	"github.com/angelmondragon/starsfund-backend/pkg/config"
	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/metrics"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
	"github.com/angelmondragon/starsfund-backend/pkg/redis"
	"github.com/angelmondragon/starsfund-backend/pkg/storage/gcs"
)

// LedgerParams are the infrastructure handles the ledger is built on. Cache
// and Objects may be nil: the progress cache is then skipped, and proofs fall
// back to the local store only when configured for it.
type LedgerParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Cache    redis.VersionedCache
	Objects  *gcs.Client
	Registry prometheus.Registerer
}

// Ledger is the assembled domain layer.
type Ledger struct {
	Campaigns  campaigns.Service
	Store      ledger.Store
	Engine     *reconcile.Engine
	Linker     *archive.Linker
	Intake     *intake.Service
	Projection *projection.Service
	Cache      *projection.ProgressCache
}

// NewLedger wires campaigns, the ledger store, the engine, the archive
// linker, intake and projections over one database.
func NewLedger(ctx context.Context, params LedgerParams) (*Ledger, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	cfg := params.Config
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}

	campaignService, err := campaigns.NewService(campaigns.NewRepository(params.DB.DB()))
	if err != nil {
		return nil, fmt.Errorf("campaign service: %w", err)
	}
	store := ledger.NewStore(params.DB.DB(), cfg.Ledger.HistoryBatchSize)
	projector := anonymize.NewProjector(cfg.Ledger.PublicGranularity)
	emitter := outbox.NewService(outbox.NewRepository(params.DB.DB()), logg)
	retry := db.RetryPolicy{
		Attempts: cfg.Ledger.StorageRetryAttempts,
		Base:     cfg.Ledger.StorageRetryBase,
		Max:      cfg.Ledger.StorageRetryMax,
	}
	ledgerMetrics := metrics.NewLedgerMetrics(params.Registry)

	var cache *projection.ProgressCache
	engineParams := reconcile.EngineParams{
		DB:        params.DB,
		Store:     store,
		Outbox:    emitter,
		Projector: projector,
		Metrics:   ledgerMetrics,
		Retry:     retry,
		Logger:    logg,
	}
	if cfg.Projection.CacheEnabled && params.Cache != nil {
		cache = projection.NewProgressCache(params.Cache, cfg.Projection.CacheTTL, retry, logg)
		engineParams.Invalidator = cache
	}
	engine, err := reconcile.NewEngine(engineParams)
	if err != nil {
		return nil, fmt.Errorf("reconciliation engine: %w", err)
	}

	proofs, err := newProofStore(cfg.Archive, params.Objects)
	if err != nil {
		return nil, fmt.Errorf("proof store: %w", err)
	}
	linker, err := archive.NewLinker(archive.LinkerParams{
		DB:             params.DB,
		Repo:           archive.NewRepository(params.DB.DB()),
		Engine:         engine,
		Campaigns:      campaignService,
		Ledger:         store,
		Proofs:         proofs,
		Outbox:         emitter,
		Projector:      projector,
		Metrics:        metrics.NewArchiveMetrics(params.Registry),
		Retry:          retry,
		ManifestPrefix: cfg.Archive.ManifestPrefix,
		Logger:         logg,
	})
	if err != nil {
		return nil, fmt.Errorf("archive linker: %w", err)
	}

	intakeService, err := intake.NewService(intake.ServiceParams{
		Campaigns: campaignService,
		Engine:    engine,
		Metrics:   ledgerMetrics,
		Logger:    logg,
		Currency:  cfg.Provider.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("intake service: %w", err)
	}

	projectionService, err := projection.NewService(projection.ServiceParams{
		Campaigns: campaignService,
		Ledger:    store,
		Archive:   linker,
		Projector: projector,
		Cache:     cache,
		Logger:    logg,
	})
	if err != nil {
		return nil, fmt.Errorf("projection service: %w", err)
	}

	logg.Info(logg.WithFields(ctx, map[string]any{
		"proof_store":   cfg.Archive.Store,
		"cache_enabled": cache != nil,
		"granularity":   cfg.Ledger.PublicGranularity,
	}), "ledger assembled")

	return &Ledger{
		Campaigns:  campaignService,
		Store:      store,
		Engine:     engine,
		Linker:     linker,
		Intake:     intakeService,
		Projection: projectionService,
		Cache:      cache,
	}, nil
}

func newProofStore(cfg config.ArchiveConfig, objects *gcs.Client) (archive.ProofStore, error) {
	if cfg.UsesLocalStore() {
		return archive.NewFileStore(cfg.LocalDir)
	}
	if objects == nil {
		return nil, errors.New("gcs client is required unless the local archive store is configured")
	}
	return archive.NewGCSStore(objects)
}
