package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

type ledgerAuditor interface {
	AuditAll(ctx context.Context, repair bool) ([]reconcile.AuditReport, error)
}

type LedgerAuditJobParams struct {
	Logger  *logger.Logger
	Auditor ledgerAuditor
	Repair  bool
}

// NewLedgerAuditJob sweeps every campaign's aggregate against its records.
// The job fails when any campaign is left inconsistent so the failure shows
// up on the cron metrics.
func NewLedgerAuditJob(params LedgerAuditJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Auditor == nil {
		return nil, fmt.Errorf("ledger auditor required")
	}
	return &ledgerAuditJob{logg: params.Logger, auditor: params.Auditor, repair: params.Repair}, nil
}

type ledgerAuditJob struct {
	logg    *logger.Logger
	auditor ledgerAuditor
	repair  bool
}

func (j *ledgerAuditJob) Name() string { return "ledger-audit" }

func (j *ledgerAuditJob) Run(ctx context.Context) error {
	flagged, err := j.auditor.AuditAll(ctx, j.repair)

	unresolved := 0
	repaired := 0
	for _, report := range flagged {
		reportCtx := j.logg.WithFields(j.logg.WithCampaignID(ctx, report.CampaignID), map[string]any{
			"stored_total":   report.Stored.TotalAmount,
			"stored_count":   report.Stored.DonationCount,
			"computed_total": report.Computed.Total,
			"computed_count": report.Computed.Count,
			"gap_free":       report.GapFree,
			"repaired":       report.Repaired,
		})
		switch {
		case report.Repaired && report.GapFree:
			repaired++
			j.logg.Warn(reportCtx, "ledger aggregate repaired")
		default:
			unresolved++
			j.logg.Warn(reportCtx, "ledger aggregate inconsistent")
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"flagged":    len(flagged),
		"repaired":   repaired,
		"unresolved": unresolved,
		"repair":     j.repair,
	}), "ledger audit complete")

	if err != nil {
		return fmt.Errorf("ledger audit: %w", err)
	}
	if unresolved > 0 {
		return fmt.Errorf("ledger audit: %d campaign(s) left inconsistent", unresolved)
	}
	return nil
}
