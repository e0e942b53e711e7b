package replies

import "github.com/MarcoPoloResearchLab/labpresence/internal/labs"

// LabPage is one page of the lab picker.
type LabPage struct {
	Labs     []string
	Page     int
	Previous bool
	Next     bool
}

// PaginateLabs slices the catalog into pages of perPage names. Out-of-range pages are clamped.
func PaginateLabs(catalog *labs.Catalog, page, perPage int) LabPage {
	names := catalog.Names()
	if perPage <= 0 {
		perPage = 8
	}
	pages := (len(names) + perPage - 1) / perPage
	if pages == 0 {
		return LabPage{}
	}
	page = max(0, min(page, pages-1))
	start := page * perPage
	end := min(start+perPage, len(names))
	return LabPage{
		Labs:     names[start:end],
		Page:     page,
		Previous: page > 0,
		Next:     page < pages-1,
	}
}
