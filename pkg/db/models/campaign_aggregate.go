package models

import "time"

// CampaignAggregate is the running fold of a campaign's donation records.
type CampaignAggregate struct {
	CampaignID    string    `gorm:"column:campaign_id;primaryKey"`
	TotalAmount   int64     `gorm:"column:total_amount;not null;default:0"`
	DonationCount int64     `gorm:"column:donation_count;not null;default:0"`
	LastSequence  int64     `gorm:"column:last_sequence;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (CampaignAggregate) TableName() string { return "campaign_aggregates" }
