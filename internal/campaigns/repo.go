package campaigns

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
)

// Repository reads campaign metadata. The campaigns table belongs to the
// authoring side; nothing here writes it.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds a GORM DB to campaign lookups.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// FindByID loads a campaign by id. Missing rows surface gorm.ErrRecordNotFound.
func (r *Repository) FindByID(ctx context.Context, id string) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&campaign).Error; err != nil {
		return nil, err
	}
	return &campaign, nil
}

// ListOpen returns campaigns that are authored open and were never closed by
// the ledger, ordered by id and starting after afterID.
func (r *Repository) ListOpen(ctx context.Context, afterID string, limit int) ([]models.Campaign, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Campaign{}).
		Where("campaigns.status = ?", enums.CampaignStatusOpen).
		Where("NOT EXISTS (SELECT 1 FROM archive_entries ae WHERE ae.campaign_id = campaigns.id)").
		Order("campaigns.id ASC")
	if afterID != "" {
		query = query.Where("campaigns.id > ?", afterID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []models.Campaign
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ArchiveStatus returns the archive entry status, or nil when the campaign was
// never closed by the ledger.
func (r *Repository) ArchiveStatus(ctx context.Context, id string) (*enums.ArchiveStatus, error) {
	var entry models.ArchiveEntry
	err := r.db.WithContext(ctx).
		Select("campaign_id", "status").
		Where("campaign_id = ?", id).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry.Status, nil
}
