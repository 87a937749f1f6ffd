package reconcile

import (
	"context"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/starsfund-backend/internal/ledger"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox"
	"github.com/angelmondragon/starsfund-backend/pkg/outbox/payloads"
)

const auditPageSize = 100

// AuditReport compares a stored aggregate with the fold of its log.
type AuditReport struct {
	CampaignID string      `json:"campaign_id"`
	Stored     Aggregate   `json:"stored"`
	Computed   ledger.Fold `json:"computed"`
	Consistent bool        `json:"consistent"`
	GapFree    bool        `json:"gap_free"`
	Repaired   bool        `json:"repaired"`
}

// Audit recomputes a campaign's totals from its records. With repair, a
// drifted aggregate is rewritten from the fold. Records are never touched, so
// a sequence gap is reported but cannot be repaired.
func (e *Engine) Audit(ctx context.Context, campaignID string, repair bool) (AuditReport, error) {
	ctx = e.logg.WithCampaignID(ctx, campaignID)
	var report AuditReport
	err := e.Serialize(ctx, campaignID, func(ctx context.Context, tx *gorm.DB, aggregate models.CampaignAggregate) error {
		fold, err := e.store.WithTx(tx).Fold(ctx, campaignID)
		if err != nil {
			return err
		}
		report = AuditReport{
			CampaignID: campaignID,
			Stored:     aggregateFrom(aggregate),
			Computed:   fold,
			Consistent: fold.Matches(aggregate),
			GapFree:    fold.GapFree(),
		}
		if report.Consistent || !repair {
			return nil
		}

		repaired := aggregate
		repaired.TotalAmount = fold.Total
		repaired.DonationCount = fold.Count
		repaired.LastSequence = fold.MaxSequence
		if err := e.store.WithTx(tx).SaveAggregate(ctx, &repaired); err != nil {
			return err
		}
		if err := e.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventAggregateRepaired,
			AggregateType: enums.AggregateCampaign,
			AggregateID:   campaignID,
			Actor:         &outbox.ActorRef{Kind: outbox.ActorKindEngine},
			Data: payloads.AggregateRepairedEvent{
				CampaignID:       campaignID,
				PreviousTotal:    aggregate.TotalAmount,
				PreviousCount:    aggregate.DonationCount,
				RepairedTotal:    repaired.TotalAmount,
				RepairedCount:    repaired.DonationCount,
				RepairedSequence: repaired.LastSequence,
			},
		}); err != nil {
			return err
		}
		report.Repaired = true
		return nil
	})
	if err != nil {
		return AuditReport{}, err
	}

	switch {
	case report.Repaired:
		e.metrics.IncAudit("repaired")
		e.logg.Warn(ctx, "campaign aggregate repaired from ledger fold")
	case report.Consistent && report.GapFree:
		e.metrics.IncAudit("consistent")
	default:
		e.metrics.IncAudit("drift")
		e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
			"stored_total":   report.Stored.TotalAmount,
			"computed_total": report.Computed.Total,
			"gap_free":       report.GapFree,
		}), "campaign aggregate drift detected")
	}
	return report, nil
}

// AuditAll audits every campaign with ledger activity and returns the reports
// that were not clean. Failures on one campaign do not stop the sweep.
func (e *Engine) AuditAll(ctx context.Context, repair bool) ([]AuditReport, error) {
	var (
		flagged []AuditReport
		errs    error
		after   string
	)
	for {
		ids, err := e.store.ListCampaigns(ctx, after, auditPageSize)
		if err != nil {
			return flagged, multierr.Append(errs, err)
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return flagged, multierr.Append(errs, ctx.Err())
			}
			report, err := e.Audit(ctx, id, repair)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if !report.Consistent || !report.GapFree {
				flagged = append(flagged, report)
			}
		}
		if len(ids) < auditPageSize {
			return flagged, errs
		}
		after = ids[len(ids)-1]
	}
}
