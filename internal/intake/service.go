package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/starsfund-backend/internal/campaigns"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/metrics"
)

type applier interface {
	Apply(ctx context.Context, evt reconcile.Event) (reconcile.Result, error)
}

// ServiceParams wires the intake dependencies.
type ServiceParams struct {
	Campaigns campaigns.Service
	Engine    applier
	Metrics   *metrics.LedgerMetrics
	Logger    *logger.Logger
	Currency  string
	Clock     func() time.Time
}

// Service validates inbound payment confirmations and forwards them to the
// reconciliation engine. It keeps no state between calls.
type Service struct {
	campaigns campaigns.Service
	engine    applier
	metrics   *metrics.LedgerMetrics
	logg      *logger.Logger
	currency  string
	clock     func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Campaigns == nil {
		return nil, fmt.Errorf("campaign service required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reconciliation engine required")
	}
	currency := params.Currency
	if currency == "" {
		currency = string(enums.CurrencyXTR)
	}
	if _, err := enums.ParseCurrency(currency); err != nil {
		return nil, err
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		campaigns: params.Campaigns,
		engine:    params.Engine,
		metrics:   params.Metrics,
		logg:      logg,
		currency:  currency,
		clock:     clock,
	}, nil
}

// Submit normalizes a tagged delivery and applies it. InvalidEvent,
// UnknownCampaign and CampaignClosed are terminal for the event; the engine's
// outcome is returned unchanged on success.
func (s *Service) Submit(ctx context.Context, raw RawEvent) (reconcile.Result, error) {
	evt, err := Normalize(raw, s.currency)
	if err != nil {
		return reconcile.Result{}, s.reject(ctx, err)
	}
	return s.SubmitConfirmation(ctx, evt)
}

// SubmitConfirmation applies an already decoded confirmation. It is
// re-validated so callers cannot bypass the strict shape.
func (s *Service) SubmitConfirmation(ctx context.Context, evt PaymentConfirmation) (reconcile.Result, error) {
	if err := evt.Validate(s.currency); err != nil {
		return reconcile.Result{}, s.reject(ctx, err)
	}
	ctx = s.logg.WithCampaignID(ctx, evt.CampaignID)
	ctx = s.logg.WithDedupKey(ctx, evt.DedupKey)

	campaign, err := s.campaigns.Get(ctx, evt.CampaignID)
	if err != nil {
		return reconcile.Result{}, s.reject(ctx, err)
	}
	if !campaign.Status.AcceptsDonations() {
		closed := pkgerrors.New(pkgerrors.CodeCampaignClosed, "campaign is closed").
			WithDetails(map[string]any{"campaign_id": campaign.ID, "status": campaign.Status})
		return reconcile.Result{}, s.reject(ctx, closed)
	}

	result, err := s.engine.Apply(ctx, reconcile.Event{
		DedupKey:   evt.DedupKey,
		CampaignID: evt.CampaignID,
		Amount:     evt.Amount,
		DonorRef:   evt.DonorRef,
		ProviderAt: evt.Timestamp,
		ReceivedAt: s.clock().UTC(),
	})
	if err != nil {
		return reconcile.Result{}, s.reject(ctx, err)
	}
	return result, nil
}

// reject records terminal rejections and passes every error through untouched.
func (s *Service) reject(ctx context.Context, err error) error {
	typed := pkgerrors.As(err)
	if typed == nil {
		return err
	}
	switch typed.Code() {
	case pkgerrors.CodeInvalidEvent, pkgerrors.CodeUnknownCampaign, pkgerrors.CodeCampaignClosed:
		s.metrics.IncRejected(strings.ToLower(string(typed.Code())))
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"reason":  typed.Code(),
			"details": typed.Details(),
		})
		s.logg.Warn(logCtx, "payment event rejected")
	case pkgerrors.CodeStorageUnavailable:
		s.logg.Warn(ctx, "payment event deferred; storage unavailable")
	}
	return err
}
