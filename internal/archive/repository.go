package archive

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	"github.com/angelmondragon/starsfund-backend/pkg/enums"
)

// Repository persists archive entries and their proof artifacts.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// FindEntry returns the archive entry for a campaign, or nil when the campaign
// was never closed.
func (r *Repository) FindEntry(ctx context.Context, campaignID string) (*models.ArchiveEntry, error) {
	var entry models.ArchiveEntry
	err := r.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *Repository) CreateEntry(ctx context.Context, entry *models.ArchiveEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// MarkArchived is a guarded transition: it only applies to entries that are
// still pending or failed.
func (r *Repository) MarkArchived(ctx context.Context, campaignID, manifestRef string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ArchiveEntry{}).
		Where("campaign_id = ?", campaignID).
		Where("status IN ?", []enums.ArchiveStatus{enums.ArchiveStatusPending, enums.ArchiveStatusFailed}).
		Updates(map[string]any{
			"status":       enums.ArchiveStatusArchived,
			"manifest_ref": manifestRef,
			"archived_at":  at,
			"last_error":   nil,
			"updated_at":   at,
		})
	return res.RowsAffected == 1, res.Error
}

// MarkFailed records a failed archival attempt and bumps the attempt counter.
func (r *Repository) MarkFailed(ctx context.Context, campaignID, reason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ArchiveEntry{}).
		Where("campaign_id = ?", campaignID).
		Where("status IN ?", []enums.ArchiveStatus{enums.ArchiveStatusPending, enums.ArchiveStatusFailed}).
		Updates(map[string]any{
			"status":        enums.ArchiveStatusFailed,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    reason,
			"updated_at":    at,
		})
	return res.RowsAffected == 1, res.Error
}

// AttachProofs stores references for a campaign. Already attached references
// are skipped; the count of newly stored ones is returned.
func (r *Repository) AttachProofs(ctx context.Context, campaignID string, refs []string, at time.Time) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	rows := make([]models.ProofArtifact, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, models.ProofArtifact{
			ID:         uuid.New(),
			CampaignID: campaignID,
			Reference:  ref,
			AttachedAt: at,
		})
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "reference"}},
			DoNothing: true,
		}).
		Create(&rows)
	return int(res.RowsAffected), res.Error
}

// ListProofs returns attached artifacts in attachment order.
func (r *Repository) ListProofs(ctx context.Context, campaignID string) ([]models.ProofArtifact, error) {
	var rows []models.ProofArtifact
	err := r.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("attached_at ASC").
		Order("reference ASC").
		Find(&rows).Error
	return rows, err
}

// ListFailed returns failed entries, least attempted first.
func (r *Repository) ListFailed(ctx context.Context, limit int) ([]models.ArchiveEntry, error) {
	var rows []models.ArchiveEntry
	q := r.db.WithContext(ctx).
		Where("status = ?", enums.ArchiveStatusFailed).
		Order("attempt_count ASC").
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}
