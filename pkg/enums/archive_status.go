package enums

import "fmt"

// ArchiveStatus maps to the archive_status_enum enum in Postgres.
type ArchiveStatus string

const (
	ArchiveStatusPending  ArchiveStatus = "pending"
	ArchiveStatusArchived ArchiveStatus = "archived"
	ArchiveStatusFailed   ArchiveStatus = "failed"
)

var validArchiveStatuses = []ArchiveStatus{
	ArchiveStatusPending,
	ArchiveStatusArchived,
	ArchiveStatusFailed,
}

func (s ArchiveStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches the canonical archive status enum.
func (s ArchiveStatus) IsValid() bool {
	for _, candidate := range validArchiveStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Archivable reports whether an archival attempt may start from this state.
func (s ArchiveStatus) Archivable() bool {
	return s == ArchiveStatusPending || s == ArchiveStatusFailed
}

// ParseArchiveStatus converts raw input into ArchiveStatus.
func ParseArchiveStatus(value string) (ArchiveStatus, error) {
	for _, candidate := range validArchiveStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid archive status %q", value)
}
