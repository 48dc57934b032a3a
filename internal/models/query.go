package models

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
	DefaultSortBy   = "sale_date"
)

// SortableColumns lists the sales_records columns a listing may be ordered by.
var SortableColumns = []string{"id", "item_no", "name", "code", "type", "cost_price", "tax", "sale_price", "sale_date"}

var ErrInvalidQuery = errors.New("invalid query")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}

// Normalize fills defaults and checks every field on its own.
func (q *SalesQuery) Normalize() error {
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return invalid("from %s cannot be after to %s", q.From.Format("2006-01-02T15:04:05Z07:00"), q.To.Format("2006-01-02T15:04:05Z07:00"))
	}
	if q.MinPrice != nil && *q.MinPrice < 0 {
		return invalid("minPrice %v cannot be less than 0", *q.MinPrice)
	}
	if q.MaxPrice != nil && *q.MaxPrice < 0 {
		return invalid("maxPrice %v cannot be less than 0", *q.MaxPrice)
	}
	if q.MinPrice != nil && q.MaxPrice != nil && *q.MinPrice > *q.MaxPrice {
		return invalid("minPrice %v cannot be greater than maxPrice %v", *q.MinPrice, *q.MaxPrice)
	}

	if q.SortField == "" {
		q.SortField = DefaultSortBy
	}
	q.SortField = strings.ToLower(q.SortField)
	if !IsSortable(q.SortField) {
		return invalid("sortField %q is not a column of sales_records", q.SortField)
	}

	if q.SortDir == "" {
		q.SortDir = SortDirDesc
	}
	q.SortDir = strings.ToLower(q.SortDir)
	if q.SortDir != SortDirAsc && q.SortDir != SortDirDesc {
		return invalid("sortDir %q should be either %s or %s", q.SortDir, SortDirAsc, SortDirDesc)
	}

	if q.Page < 1 {
		q.Page = 1
	}
	if q.Size <= 0 {
		q.Size = DefaultPageSize
	}
	if q.Size > MaxPageSize {
		return invalid("size %d exceeds the maximum of %d", q.Size, MaxPageSize)
	}
	return nil
}

// Offset is the number of rows skipped before the current page.
func (q SalesQuery) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.Size
}

func (q TotalSalesQuery) Validate() error {
	if q.From.IsZero() || q.To.IsZero() {
		return invalid("mandatory parameters 'from' or 'to' are empty")
	}
	if q.From.After(q.To) {
		return invalid("from cannot be after to")
	}
	switch q.Category {
	case "":
		return invalid("category is empty")
	case CategoryTotalSales, CategoryTotalCount:
	default:
		return invalid("category %q must be either %q or %q", q.Category, CategoryTotalSales, CategoryTotalCount)
	}
	if q.ItemNo != nil && (*q.ItemNo < 1 || *q.ItemNo > 100) {
		return invalid("itemNo must be between 1 and 100")
	}
	return nil
}

func IsSortable(field string) bool {
	for _, c := range SortableColumns {
		if c == field {
			return true
		}
	}
	return false
}
