package models

import (
	"time"

	"github.com/angelmondragon/starsfund-backend/pkg/enums"
)

// ArchiveEntry freezes a campaign's totals at closure and tracks proof archival.
// Its existence marks the campaign closed; there is no transition back to open.
type ArchiveEntry struct {
	CampaignID           string              `gorm:"column:campaign_id;primaryKey"`
	SnapshotTotal        int64               `gorm:"column:snapshot_total;not null"`
	SnapshotCount        int64               `gorm:"column:snapshot_count;not null"`
	SnapshotLastSequence int64               `gorm:"column:snapshot_last_sequence;not null"`
	Status               enums.ArchiveStatus `gorm:"column:status;type:archive_status_enum;not null"`
	AttemptCount         int                 `gorm:"column:attempt_count;not null;default:0"`
	LastError            *string             `gorm:"column:last_error"`
	ManifestRef          *string             `gorm:"column:manifest_ref"`
	ClosedAt             time.Time           `gorm:"column:closed_at;not null"`
	ArchivedAt           *time.Time          `gorm:"column:archived_at"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (ArchiveEntry) TableName() string { return "archive_entries" }
