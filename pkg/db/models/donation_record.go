package models

import "time"

// DonationRecord is one committed, immutable ledger line. DonorRef is opaque and
// must never leave the ledger boundary.
type DonationRecord struct {
	DedupKey   string     `gorm:"column:dedup_key;primaryKey"`
	CampaignID string     `gorm:"column:campaign_id;primaryKey"`
	Amount     int64      `gorm:"column:amount;not null"`
	DonorRef   string     `gorm:"column:donor_ref;not null"`
	ProviderAt *time.Time `gorm:"column:provider_at"`
	ReceivedAt time.Time  `gorm:"column:received_at;not null"`
	Sequence   int64      `gorm:"column:sequence;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (DonationRecord) TableName() string { return "donation_records" }
