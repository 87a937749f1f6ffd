package models

import (
	"time"

	"github.com/angelmondragon/starsfund-backend/pkg/enums"
)

// Campaign is authored outside the ledger. The engine only reads it.
type Campaign struct {
	ID           string               `gorm:"column:id;primaryKey"`
	Title        string               `gorm:"column:title;not null"`
	TargetAmount *int64               `gorm:"column:target_amount"`
	Status       enums.CampaignStatus `gorm:"column:status;type:campaign_status_enum;not null;default:open"`
	CreatedAt    time.Time            `gorm:"column:created_at;autoCreateTime"`
}

func (Campaign) TableName() string { return "campaigns" }
