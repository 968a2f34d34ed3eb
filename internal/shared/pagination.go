package shared

// Page describes a limit/offset window requested by a listing endpoint.
type Page struct {
	Limit  int
	Offset int
}

// ClampPage normalises a requested window against a maximum page size.
func ClampPage(limit, offset, max int) Page {
	if max <= 0 {
		max = 100
	}
	if limit <= 0 || limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}
