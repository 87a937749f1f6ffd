package payloads

import "time"

// DonationCommittedEvent is the public view of a committed donation. It never
// carries the donor reference.
type DonationCommittedEvent struct {
	CampaignID    string    `json:"campaign_id"`
	Sequence      int64     `json:"sequence"`
	Amount        int64     `json:"amount"`
	ReceivedOn    time.Time `json:"received_on"`
	TotalAmount   int64     `json:"total_amount"`
	DonationCount int64     `json:"donation_count"`
}

// CampaignClosedEvent freezes the totals at closure time.
type CampaignClosedEvent struct {
	CampaignID           string    `json:"campaign_id"`
	SnapshotTotal        int64     `json:"snapshot_total"`
	SnapshotCount        int64     `json:"snapshot_count"`
	SnapshotLastSequence int64     `json:"snapshot_last_sequence"`
	ClosedAt             time.Time `json:"closed_at"`
}

// CampaignArchivedEvent announces that settlement proof is durably stored.
type CampaignArchivedEvent struct {
	CampaignID      string    `json:"campaign_id"`
	ManifestRef     string    `json:"manifest_ref"`
	ProofReferences []string  `json:"proof_references"`
	ArchivedAt      time.Time `json:"archived_at"`
}

// CampaignArchiveFailedEvent reports a failed archival attempt that will be retried.
type CampaignArchiveFailedEvent struct {
	CampaignID   string `json:"campaign_id"`
	AttemptCount int    `json:"attempt_count"`
	Reason       string `json:"reason"`
}

// AggregateRepairedEvent records an audit that rewrote a stored aggregate.
type AggregateRepairedEvent struct {
	CampaignID       string `json:"campaign_id"`
	PreviousTotal    int64  `json:"previous_total"`
	PreviousCount    int64  `json:"previous_count"`
	RepairedTotal    int64  `json:"repaired_total"`
	RepairedCount    int64  `json:"repaired_count"`
	RepairedSequence int64  `json:"repaired_sequence"`
}
