package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/starsfund-backend/api/responses"
	"github.com/angelmondragon/starsfund-backend/api/validators"
	"github.com/angelmondragon/starsfund-backend/internal/reconcile"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
)

// CampaignArchiver drives the closure and archival lifecycle.
type CampaignArchiver interface {
	Close(ctx context.Context, campaignID string) (models.ArchiveEntry, error)
	AttachProofs(ctx context.Context, campaignID string, refs []string) (models.ArchiveEntry, error)
	AttachAndArchive(ctx context.Context, campaignID string, refs []string) (models.ArchiveEntry, error)
	Archive(ctx context.Context, campaignID string) (models.ArchiveEntry, error)
}

// CampaignAuditor checks a campaign aggregate against its records.
type CampaignAuditor interface {
	Audit(ctx context.Context, campaignID string, repair bool) (reconcile.AuditReport, error)
}

// attachProofsRequest is the body of the proofs endpoint. With Archive set the
// entry is archived right after the references are stored.
type attachProofsRequest struct {
	References []string `json:"references" validate:"required,min=1,max=100,dive,required,max=1024"`
	Archive    bool     `json:"archive"`
}

// adminArchiveEntry is the operator view of an archive entry. Unlike the
// public view it carries the last archival error.
type adminArchiveEntry struct {
	CampaignID    string              `json:"campaign_id"`
	Status        enums.ArchiveStatus `json:"status"`
	SnapshotTotal int64               `json:"snapshot_total"`
	SnapshotCount int64               `json:"snapshot_count"`
	LastSequence  int64               `json:"snapshot_last_sequence"`
	AttemptCount  int                 `json:"attempt_count"`
	LastError     *string             `json:"last_error,omitempty"`
	ManifestRef   *string             `json:"manifest_ref,omitempty"`
	ClosedAt      time.Time           `json:"closed_at"`
	ArchivedAt    *time.Time          `json:"archived_at,omitempty"`
}

func toAdminArchiveEntry(entry models.ArchiveEntry) adminArchiveEntry {
	return adminArchiveEntry{
		CampaignID:    entry.CampaignID,
		Status:        entry.Status,
		SnapshotTotal: entry.SnapshotTotal,
		SnapshotCount: entry.SnapshotCount,
		LastSequence:  entry.SnapshotLastSequence,
		AttemptCount:  entry.AttemptCount,
		LastError:     entry.LastError,
		ManifestRef:   entry.ManifestRef,
		ClosedAt:      entry.ClosedAt.UTC(),
		ArchivedAt:    entry.ArchivedAt,
	}
}

// AdminCloseCampaign closes a campaign and freezes its totals.
func AdminCloseCampaign(svc CampaignArchiver, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "archive linker unavailable"))
			return
		}
		campaignID, ok := campaignParam(w, r, logg)
		if !ok {
			return
		}
		entry, err := svc.Close(r.Context(), campaignID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toAdminArchiveEntry(entry))
	}
}

// AdminAttachProofs records settlement proof references and optionally
// archives the campaign in the same call.
func AdminAttachProofs(svc CampaignArchiver, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "archive linker unavailable"))
			return
		}
		campaignID, ok := campaignParam(w, r, logg)
		if !ok {
			return
		}
		var req attachProofsRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var (
			entry models.ArchiveEntry
			err   error
		)
		if req.Archive {
			entry, err = svc.AttachAndArchive(r.Context(), campaignID, req.References)
		} else {
			entry, err = svc.AttachProofs(r.Context(), campaignID, req.References)
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toAdminArchiveEntry(entry))
	}
}

// AdminArchiveCampaign retries archival of a pending or failed entry.
func AdminArchiveCampaign(svc CampaignArchiver, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "archive linker unavailable"))
			return
		}
		campaignID, ok := campaignParam(w, r, logg)
		if !ok {
			return
		}
		entry, err := svc.Archive(r.Context(), campaignID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toAdminArchiveEntry(entry))
	}
}

// AdminAuditCampaign recomputes a campaign's totals from its records and
// compares them with the stored aggregate. It never repairs; repair is left to
// the scheduled audit job.
func AdminAuditCampaign(svc CampaignAuditor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation engine unavailable"))
			return
		}
		campaignID, ok := campaignParam(w, r, logg)
		if !ok {
			return
		}
		report, err := svc.Audit(r.Context(), campaignID, false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}
