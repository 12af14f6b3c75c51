package shared

// Page bounds a limit/offset pair for paginated queries.
type Page struct {
	Limit  int
	Offset int
}

// NormalizePage clamps limit/offset to sane bounds. The defaults mirror the
// audit history endpoints: 50 per page, hard cap at 200.
func NormalizePage(limit, offset int) Page {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}
