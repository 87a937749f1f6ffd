package archive

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/angelmondragon/starsfund-backend/internal/anonymize"
	"github.com/angelmondragon/starsfund-backend/internal/ledger"
	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
)

const manifestContentType = "application/json"

// Manifest is the archived record of a closed campaign. Donations are
// anonymized; the manifest never carries donor references.
type Manifest struct {
	CampaignID  string                     `json:"campaign_id"`
	Snapshot    Snapshot                   `json:"snapshot"`
	ClosedAt    time.Time                  `json:"closed_at"`
	Proofs      []string                   `json:"proofs"`
	Donations   []anonymize.PublicDonation `json:"donations"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// Snapshot is the aggregate frozen at closure.
type Snapshot struct {
	Total        int64 `json:"total"`
	Count        int64 `json:"count"`
	LastSequence int64 `json:"last_sequence"`
}

func snapshotOf(entry models.ArchiveEntry) Snapshot {
	return Snapshot{
		Total:        entry.SnapshotTotal,
		Count:        entry.SnapshotCount,
		LastSequence: entry.SnapshotLastSequence,
	}
}

func manifestKey(prefix, campaignID string) string {
	return path.Join(prefix, campaignID, "manifest.json")
}

// buildManifest reads the campaign's history up to the snapshot sequence and
// renders the manifest document.
func buildManifest(ctx context.Context, store ledger.Store, projector anonymize.Projector, entry models.ArchiveEntry, refs []string, now time.Time) ([]byte, error) {
	manifest := Manifest{
		CampaignID:  entry.CampaignID,
		Snapshot:    snapshotOf(entry),
		ClosedAt:    entry.ClosedAt.UTC(),
		Proofs:      refs,
		Donations:   make([]anonymize.PublicDonation, 0, entry.SnapshotCount),
		GeneratedAt: now,
	}
	if entry.SnapshotLastSequence > 0 {
		history := store.History(ctx, entry.CampaignID, ledger.HistoryOptions{Limit: int(entry.SnapshotLastSequence)})
		for donation, err := range projector.ProjectAll(history) {
			if err != nil {
				return nil, err
			}
			manifest.Donations = append(manifest.Donations, donation)
		}
	}
	return json.MarshalIndent(manifest, "", "  ")
}
