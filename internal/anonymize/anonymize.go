// Package anonymize turns ledger records into their public form. The public
// type has no donor field, so a projection cannot leak one by construction.
package anonymize

import (
	"iter"
	"strings"
	"time"

	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
)

// Granularity controls how coarsely the received time is published.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// PublicDonation is the only shape in which a donation leaves the ledger.
type PublicDonation struct {
	Sequence   int64     `json:"sequence"`
	Amount     int64     `json:"amount"`
	ReceivedOn time.Time `json:"received_on"`
}

// Projector projects records at a fixed granularity. The zero value uses day.
type Projector struct {
	granularity Granularity
}

// NewProjector parses a granularity name; unknown names fall back to day.
func NewProjector(granularity string) Projector {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(granularity))); g {
	case GranularityHour, GranularityWeek:
		return Projector{granularity: g}
	default:
		return Projector{granularity: GranularityDay}
	}
}

func (p Projector) Granularity() Granularity {
	if p.granularity == "" {
		return GranularityDay
	}
	return p.granularity
}

// Project maps a record to its public form.
func (p Projector) Project(record models.DonationRecord) PublicDonation {
	return PublicDonation{
		Sequence:   record.Sequence,
		Amount:     record.Amount,
		ReceivedOn: p.truncate(record.ReceivedAt),
	}
}

// ProjectAll lazily projects a record sequence, passing errors through.
func (p Projector) ProjectAll(records iter.Seq2[models.DonationRecord, error]) iter.Seq2[PublicDonation, error] {
	return func(yield func(PublicDonation, error) bool) {
		for record, err := range records {
			if err != nil {
				yield(PublicDonation{}, err)
				return
			}
			if !yield(p.Project(record), nil) {
				return
			}
		}
	}
}

func (p Projector) truncate(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p.Granularity() {
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityWeek:
		// weeks start on Monday
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return day
	}
}

// Project maps a record at day granularity.
func Project(record models.DonationRecord) PublicDonation {
	return Projector{}.Project(record)
}
