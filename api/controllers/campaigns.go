package controllers

import (
	"context"
	"iter"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/starsfund-backend/api/responses"
	"github.com/angelmondragon/starsfund-backend/api/validators"
	"github.com/angelmondragon/starsfund-backend/internal/anonymize"
	"github.com/angelmondragon/starsfund-backend/internal/projection"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
	"github.com/angelmondragon/starsfund-backend/pkg/logger"
	"github.com/angelmondragon/starsfund-backend/pkg/pagination"
)

const maxCampaignCursorLength = 128

// CampaignReader answers the public read queries.
type CampaignReader interface {
	ListCampaigns(ctx context.Context, opts projection.CampaignListOptions) ([]projection.Progress, error)
	CampaignProgress(ctx context.Context, campaignID string) (projection.Progress, error)
	CampaignHistory(ctx context.Context, campaignID string, opts projection.HistoryOptions) (iter.Seq2[anonymize.PublicDonation, error], error)
	ArchiveStatus(ctx context.Context, campaignID string) (projection.ArchiveView, error)
}

// CampaignList returns one page of the campaigns accepting donations with
// their public progress. The cursor is the id of the last campaign on the
// previous page.
func CampaignList(svc CampaignReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "projection service unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
		if len(cursor) > maxCampaignCursorLength {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "cursor too long"))
			return
		}

		items, err := svc.ListCampaigns(r.Context(), projection.CampaignListOptions{
			After: cursor,
			Limit: pagination.LimitWithBuffer(limit),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, pagination.BuildKeyedPage(items, limit, func(p projection.Progress) string {
			return p.CampaignID
		}))
	}
}

// CampaignProgress returns the public total, count and target of a campaign.
func CampaignProgress(svc CampaignReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "projection service unavailable"))
			return
		}
		campaignID, ok := campaignParam(w, r, logg)
		if !ok {
			return
		}
		progress, err := svc.CampaignProgress(r.Context(), campaignID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, progress)
	}
}

// CampaignHistory returns one page of anonymized donations. The cursor is the
// sequence of the last donation on the previous page.
func CampaignHistory(svc CampaignReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "projection service unavailable"))
			return
		}
		campaignID, ok := campaignParam(w, r, logg)
		if !ok {
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		after, err := validators.ParseQueryInt64(r, "cursor", 0)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		seq, err := svc.CampaignHistory(r.Context(), campaignID, projection.HistoryOptions{
			AfterSequence: after,
			Limit:         pagination.LimitWithBuffer(limit),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		items := make([]anonymize.PublicDonation, 0, limit+1)
		for donation, err := range seq {
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "read campaign history"))
				return
			}
			items = append(items, donation)
		}
		responses.WriteSuccess(w, pagination.BuildPage(items, limit, func(d anonymize.PublicDonation) int64 {
			return d.Sequence
		}))
	}
}

// CampaignArchive returns the archive state of a closed campaign.
func CampaignArchive(svc CampaignReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "projection service unavailable"))
			return
		}
		campaignID, ok := campaignParam(w, r, logg)
		if !ok {
			return
		}
		view, err := svc.ArchiveStatus(r.Context(), campaignID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func campaignParam(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (string, bool) {
	campaignID := strings.TrimSpace(chi.URLParam(r, "campaignID"))
	if campaignID == "" {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "campaign id required"))
		return "", false
	}
	return campaignID, true
}
