package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/starsfund-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/starsfund-backend/api/controllers/webhooks"
	"github.com/angelmondragon/starsfund-backend/api/middleware"
	"github.com/angelmondragon/starsfund-backend/pkg/bigquery"
	"github.com/angelmondragon/starsfund-backend/pkg/config"
	"github.com/angelmondragon/starsfund-backend/pkg/db"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/redis"
	"github.com/angelmondragon/starsfund-backend/pkg/storage/gcs"
)

// redisStore is the Redis surface the HTTP layer relies on.
type redisStore interface {
	redis.IdempotencyStore
	redis.Pinger
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(policy, subject string) string
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient redisStore,
	gcsClient gcs.Pinger,
	bigqueryClient bigquery.Pinger,
	intakeService webhookcontrollers.PaymentSubmitter,
	projectionService controllers.CampaignReader,
	archiveLinker controllers.CampaignArchiver,
	auditor controllers.CampaignAuditor,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	readiness := map[string]controllers.Pinger{"db": dbP, "redis": redisClient}
	if gcsClient != nil {
		readiness["gcs"] = gcsClient
	}
	if bigqueryClient != nil {
		readiness["bigquery"] = bigqueryClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, readiness, logg))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(middleware.ProviderSecret(cfg.Provider.WebhookSecret, logg))
		r.Post("/payments", webhookcontrollers.PaymentsWebhook(intakeService, logg))
	})

	publicPolicy := middleware.NewRateLimitPolicy("public", cfg.HTTP.PublicRateWindow, cfg.HTTP.PublicRateLimit)
	r.Route("/api/public/v1", func(r chi.Router) {
		r.Use(middleware.PublicCORS(cfg.HTTP.CORSAllowedOrigins))
		r.Use(middleware.RateLimit(publicPolicy, redisClient, logg))

		r.Get("/campaigns", controllers.CampaignList(projectionService, logg))
		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Get("/progress", controllers.CampaignProgress(projectionService, logg))
			r.Get("/history", controllers.CampaignHistory(projectionService, logg))
			r.Get("/archive", controllers.CampaignArchive(projectionService, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.OperatorAuth(cfg.Operator, logg))

		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			// inline so the idempotency rules see the full route pattern
			idempotent := r.With(middleware.Idempotency(redisClient, logg))
			idempotent.Post("/close", controllers.AdminCloseCampaign(archiveLinker, logg))
			idempotent.Post("/proofs", controllers.AdminAttachProofs(archiveLinker, logg))
			idempotent.Post("/archive", controllers.AdminArchiveCampaign(archiveLinker, logg))
			r.Get("/audit", controllers.AdminAuditCampaign(auditor, logg))
		})
	})

	return r
}
