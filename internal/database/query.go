package database

import (
	"fmt"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	dialect = goqu.Dialect("postgres")

	salesTable = goqu.T("sales_records")

	salesRowID     = goqu.C("row_id")
	salesID        = goqu.C("id")
	salesItemNo    = goqu.C("item_no")
	salesName      = goqu.C("name")
	salesCode      = goqu.C("code")
	salesType      = goqu.C("type")
	salesCostPrice = goqu.C("cost_price")
	salesTax       = goqu.C("tax")
	salesSalePrice = goqu.C("sale_price")
	salesSaleDate  = goqu.C("sale_date")
)

// BuildSalesQuery renders a filtered, sorted and paginated listing of
// sales_records. q must already be normalized.
func BuildSalesQuery(q models.SalesQuery) (string, []interface{}, error) {
	ds := dialect.From(salesTable).Select(
		salesID, salesItemNo, salesName, salesCode, salesType,
		salesCostPrice, salesTax, salesSalePrice, salesSaleDate,
	)

	var where []exp.Expression
	if q.From != nil {
		where = append(where, salesSaleDate.Gte(*q.From))
	}
	if q.To != nil {
		where = append(where, salesSaleDate.Lte(*q.To))
	}
	if q.MinPrice != nil {
		where = append(where, salesSalePrice.Gte(*q.MinPrice))
	}
	if q.MaxPrice != nil {
		where = append(where, salesSalePrice.Lte(*q.MaxPrice))
	}
	if len(where) > 0 {
		ds = ds.Where(where...)
	}

	if !models.IsSortable(q.SortField) {
		return "", nil, fmt.Errorf("%w: sortField %q", models.ErrInvalidQuery, q.SortField)
	}
	sortCol := goqu.C(q.SortField)
	order := sortCol.Desc()
	if q.SortDir == models.SortDirAsc {
		order = sortCol.Asc()
	}
	// row_id keeps pages stable when the sort column has duplicates
	ds = ds.Order(order, salesRowID.Asc())

	if q.Size > 0 {
		ds = ds.Limit(uint(q.Size)).Offset(uint(q.Offset()))
	}

	return ds.Prepared(true).ToSQL()
}

// BuildTotalSalesQuery renders the aggregate for a totalSales or totalCount
// category over [From, To], optionally narrowed to one item number.
func BuildTotalSalesQuery(q models.TotalSalesQuery) (string, []interface{}, error) {
	var aggregate exp.Expression
	switch q.Category {
	case models.CategoryTotalSales:
		aggregate = goqu.COALESCE(goqu.SUM(salesSalePrice), goqu.L("0")).As("total")
	case models.CategoryTotalCount:
		aggregate = goqu.COUNT(goqu.Star()).As("total")
	default:
		return "", nil, fmt.Errorf("%w: category %q", models.ErrInvalidQuery, q.Category)
	}

	where := []exp.Expression{
		salesSaleDate.Gte(q.From),
		salesSaleDate.Lte(q.To),
	}
	if q.ItemNo != nil {
		where = append(where, salesItemNo.Eq(*q.ItemNo))
	}

	return dialect.From(salesTable).Select(aggregate).Where(where...).Prepared(true).ToSQL()
}
