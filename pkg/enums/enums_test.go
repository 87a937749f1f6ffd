package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCampaignStatus(t *testing.T) {
	status, err := ParseCampaignStatus("closed")
	require.NoError(t, err)
	assert.Equal(t, CampaignStatusClosed, status)
	assert.False(t, status.AcceptsDonations())
	assert.True(t, CampaignStatusOpen.AcceptsDonations())

	_, err = ParseCampaignStatus("paused")
	assert.Error(t, err)
}

func TestArchiveStatusArchivable(t *testing.T) {
	assert.True(t, ArchiveStatusPending.Archivable())
	assert.True(t, ArchiveStatusFailed.Archivable())
	assert.False(t, ArchiveStatusArchived.Archivable())
	assert.False(t, ArchiveStatus("bogus").IsValid())
}

func TestParseCurrencyNormalizes(t *testing.T) {
	c, err := ParseCurrency(" xtr ")
	require.NoError(t, err)
	assert.Equal(t, CurrencyXTR, c)

	_, err = ParseCurrency("USD")
	assert.Error(t, err)
}

func TestOutboxEnums(t *testing.T) {
	evt, err := ParseOutboxEventType("donation_committed")
	require.NoError(t, err)
	assert.Equal(t, EventDonationCommitted, evt)
	assert.True(t, AggregateCampaign.IsValid())

	_, err = ParseOutboxAggregateType("vendor_order")
	assert.Error(t, err)
}
