package shared

// DefaultPageSize bounds listings when the caller passes no limit.
const DefaultPageSize = 20

// MaxPageSize caps a single listing page.
const MaxPageSize = 200

// ClampPage normalizes limit/offset values for listing operations.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
