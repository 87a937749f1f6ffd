package campaigns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
)

type campaignRepository interface {
	FindByID(ctx context.Context, id string) (*models.Campaign, error)
	ArchiveStatus(ctx context.Context, id string) (*enums.ArchiveStatus, error)
	ListOpen(ctx context.Context, afterID string, limit int) ([]models.Campaign, error)
}

// Campaign is the read model the ledger works with. Status is the effective
// status, not necessarily the authored one.
type Campaign struct {
	ID             string
	Title          string
	Target         *int64
	Status         enums.CampaignStatus
	AuthoredStatus enums.CampaignStatus
	CreatedAt      time.Time
}

// Service exposes campaign lookups.
type Service interface {
	Get(ctx context.Context, id string) (Campaign, error)
	ListOpen(ctx context.Context, afterID string, limit int) ([]Campaign, error)
}

type service struct {
	repo campaignRepository
}

// NewService builds a campaign lookup service.
func NewService(repo campaignRepository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("campaign repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Get(ctx context.Context, id string) (Campaign, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Campaign{}, pkgerrors.New(pkgerrors.CodeUnknownCampaign, "campaign not found")
	}
	row, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Campaign{}, pkgerrors.New(pkgerrors.CodeUnknownCampaign, "campaign not found").
				WithDetails(map[string]any{"campaign_id": id})
		}
		return Campaign{}, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "load campaign")
	}
	archive, err := s.repo.ArchiveStatus(ctx, id)
	if err != nil {
		return Campaign{}, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "load archive status")
	}
	return Campaign{
		ID:             row.ID,
		Title:          row.Title,
		Target:         row.TargetAmount,
		Status:         EffectiveStatus(row.Status, archive),
		AuthoredStatus: row.Status,
		CreatedAt:      row.CreatedAt,
	}, nil
}

// ListOpen pages through the campaigns still accepting donations.
func (s *service) ListOpen(ctx context.Context, afterID string, limit int) ([]Campaign, error) {
	rows, err := s.repo.ListOpen(ctx, strings.TrimSpace(afterID), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStorageUnavailable, err, "list campaigns")
	}
	out := make([]Campaign, 0, len(rows))
	for _, row := range rows {
		out = append(out, Campaign{
			ID:             row.ID,
			Title:          row.Title,
			Target:         row.TargetAmount,
			Status:         enums.CampaignStatusOpen,
			AuthoredStatus: row.Status,
			CreatedAt:      row.CreatedAt,
		})
	}
	return out, nil
}

// EffectiveStatus combines the authored status with the ledger's archive entry.
// An archive entry always wins: once closed by the ledger a campaign never
// reads as open again.
func EffectiveStatus(authored enums.CampaignStatus, archive *enums.ArchiveStatus) enums.CampaignStatus {
	if archive != nil {
		if *archive == enums.ArchiveStatusArchived {
			return enums.CampaignStatusArchived
		}
		return enums.CampaignStatusClosed
	}
	if authored == enums.CampaignStatusOpen || authored == "" {
		return enums.CampaignStatusOpen
	}
	return enums.CampaignStatusClosed
}
