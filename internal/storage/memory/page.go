package memory

import "github.com/JakeFAU/bulk-registrar/internal/registrar"

// paginate slices items to the requested page. A zero page returns all items.
func paginate[T any](items []T, page registrar.Page) []T {
	if page.Size <= 0 {
		return items
	}
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.Size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
