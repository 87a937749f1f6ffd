package models

import (
	"time"

	"github.com/google/uuid"
)

// ProofArtifact references a settlement proof object held in the proof store.
type ProofArtifact struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	CampaignID string    `gorm:"column:campaign_id;not null"`
	Reference  string    `gorm:"column:reference;not null"`
	AttachedAt time.Time `gorm:"column:attached_at;not null"`
}

func (ProofArtifact) TableName() string { return "proof_artifacts" }
