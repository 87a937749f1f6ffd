package enums

import "fmt"

// CampaignStatus is the lifecycle state reported for a campaign.
type CampaignStatus string

const (
	CampaignStatusOpen     CampaignStatus = "open"
	CampaignStatusClosed   CampaignStatus = "closed"
	CampaignStatusArchived CampaignStatus = "archived"
)

var validCampaignStatuses = []CampaignStatus{
	CampaignStatusOpen,
	CampaignStatusClosed,
	CampaignStatusArchived,
}

// String implements fmt.Stringer.
func (s CampaignStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches the canonical campaign status enum.
func (s CampaignStatus) IsValid() bool {
	for _, candidate := range validCampaignStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// AcceptsDonations reports whether donations may still be committed.
func (s CampaignStatus) AcceptsDonations() bool {
	return s == CampaignStatusOpen
}

// ParseCampaignStatus converts raw input into CampaignStatus.
func ParseCampaignStatus(value string) (CampaignStatus, error) {
	for _, candidate := range validCampaignStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid campaign status %q", value)
}
