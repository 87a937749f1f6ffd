package reconcile

import (
	"strings"
	"time"

	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/starsfund-backend/pkg/errors"
)

// Outcome is the result of applying a payment event.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Event is a validated, normalized payment confirmation.
type Event struct {
	DedupKey   string
	CampaignID string
	Amount     int64
	DonorRef   string
	ProviderAt *time.Time
	ReceivedAt time.Time
}

func (e Event) validate() error {
	invalid := map[string]string{}
	if strings.TrimSpace(e.DedupKey) == "" {
		invalid["dedup_key"] = "is required"
	}
	if strings.TrimSpace(e.CampaignID) == "" {
		invalid["campaign_id"] = "is required"
	}
	if e.Amount <= 0 {
		invalid["amount"] = "must be positive"
	}
	if strings.TrimSpace(e.DonorRef) == "" {
		invalid["donor_ref"] = "is required"
	}
	if len(invalid) > 0 {
		return pkgerrors.New(pkgerrors.CodeInvalidEvent, "payment event rejected").WithDetails(invalid)
	}
	return nil
}

// orderKey is the provider timestamp when present, else the arrival time.
func (e Event) orderKey() time.Time {
	if e.ProviderAt != nil && !e.ProviderAt.IsZero() {
		return *e.ProviderAt
	}
	return e.ReceivedAt
}

// Aggregate is a campaign's committed totals as of one instant.
type Aggregate struct {
	CampaignID    string `json:"campaign_id"`
	TotalAmount   int64  `json:"total_amount"`
	DonationCount int64  `json:"donation_count"`
	LastSequence  int64  `json:"last_sequence"`
}

func aggregateFrom(row models.CampaignAggregate) Aggregate {
	return Aggregate{
		CampaignID:    row.CampaignID,
		TotalAmount:   row.TotalAmount,
		DonationCount: row.DonationCount,
		LastSequence:  row.LastSequence,
	}
}

// Result reports what Apply did. For duplicates Sequence is the sequence of
// the original commit.
type Result struct {
	Outcome   Outcome   `json:"outcome"`
	Sequence  int64     `json:"sequence"`
	Aggregate Aggregate `json:"aggregate"`
}
