package anonymize

import (
	"encoding/json"
	"errors"
	"iter"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/starsfund-backend/pkg/db/models"
)

func record(seq int64, amount int64, at time.Time) models.DonationRecord {
	return models.DonationRecord{
		DedupKey:   "tx-secret-key",
		CampaignID: "well-123",
		Amount:     amount,
		DonorRef:   "tg:424242",
		ReceivedAt: at,
		Sequence:   seq,
	}
}

func TestProject_TruncatesToUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	at := time.Date(2026, 3, 2, 2, 30, 0, 0, loc) // 2026-03-01 21:30 UTC

	got := Project(record(7, 50, at))

	assert.Equal(t, PublicDonation{
		Sequence:   7,
		Amount:     50,
		ReceivedOn: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}, got)
}

func TestProjector_Granularities(t *testing.T) {
	at := time.Date(2026, 3, 5, 14, 47, 12, 0, time.UTC) // Thursday

	assert.Equal(t, time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC), NewProjector("hour").Project(record(1, 1, at)).ReceivedOn)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), NewProjector("DAY").Project(record(1, 1, at)).ReceivedOn)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), NewProjector("week").Project(record(1, 1, at)).ReceivedOn)

	sunday := time.Date(2026, 3, 8, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), NewProjector("week").Project(record(1, 1, sunday)).ReceivedOn)

	assert.Equal(t, GranularityDay, NewProjector("fortnight").Granularity())
	assert.Equal(t, GranularityDay, Projector{}.Granularity())
}

func TestProject_IsDeterministic(t *testing.T) {
	rec := record(3, 30, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, Project(rec), Project(rec))
}

func TestPublicDonation_CarriesNoDonorData(t *testing.T) {
	typ := reflect.TypeOf(PublicDonation{})
	for i := 0; i < typ.NumField(); i++ {
		name := strings.ToLower(typ.Field(i).Name)
		assert.NotContains(t, name, "donor")
		assert.NotContains(t, name, "dedup")
	}

	rec := record(1, 50, time.Now())
	raw, err := json.Marshal(Project(rec))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), rec.DonorRef)
	assert.NotContains(t, string(raw), rec.DedupKey)
	assert.NotContains(t, string(raw), "424242")
}

func TestProjectAll_StreamsAndStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var source iter.Seq2[models.DonationRecord, error] = func(yield func(models.DonationRecord, error) bool) {
		if !yield(record(1, 10, time.Now()), nil) {
			return
		}
		if !yield(models.DonationRecord{}, boom) {
			return
		}
		yield(record(3, 30, time.Now()), nil)
	}

	var seqs []int64
	var gotErr error
	for donation, err := range NewProjector("day").ProjectAll(source) {
		if err != nil {
			gotErr = err
			continue
		}
		seqs = append(seqs, donation.Sequence)
	}
	assert.Equal(t, []int64{1}, seqs)
	assert.ErrorIs(t, gotErr, boom)
}
