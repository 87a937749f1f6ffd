package pagination

import "strconv"

const (
	// DefaultLimit is the standard page size when a limit is not provided.
	DefaultLimit = 50
	// MaxLimit caps how many rows any cursor query can request.
	MaxLimit = 200
)

// Page is one window of a sequence-ordered listing.
type Page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// NormalizeLimit enforces the configured default and maximum limits.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// LimitWithBuffer returns the normalization result plus one to detect the next page.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// BuildPage trims a buffered result to the requested limit and sets the next
// cursor from the last kept item when more rows exist.
func BuildPage[T any](items []T, limit int, sequenceOf func(T) int64) Page[T] {
	return BuildKeyedPage(items, limit, func(item T) string {
		return strconv.FormatInt(sequenceOf(item), 10)
	})
}

// BuildKeyedPage is BuildPage for listings ordered by a string key.
func BuildKeyedPage[T any](items []T, limit int, keyOf func(T) string) Page[T] {
	limit = NormalizeLimit(limit)
	page := Page[T]{Items: items}
	if page.Items == nil {
		page.Items = []T{}
	}
	if len(items) > limit {
		page.Items = items[:limit]
		next := keyOf(page.Items[limit-1])
		page.NextCursor = &next
	}
	return page
}
