package server

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
)

func parseTime(values url.Values, key string) (*time.Time, error) {
	raw := values.Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s' must be an RFC3339 timestamp", models.ErrInvalidQuery, key)
	}
	return &t, nil
}

func parseFloat(values url.Values, key string) (*float64, error) {
	raw := values.Get(key)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s' must be a number", models.ErrInvalidQuery, key)
	}
	return &f, nil
}

func parseInt(values url.Values, key string) (*int, error) {
	raw := values.Get(key)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: '%s' must be an integer", models.ErrInvalidQuery, key)
	}
	return &n, nil
}

// parsePage reads page and size, defaulting to the first page of DefaultPageSize rows.
func parsePage(values url.Values) (page, size int, err error) {
	p, err := parseInt(values, "page")
	if err != nil {
		return 0, 0, err
	}
	s, err := parseInt(values, "size")
	if err != nil {
		return 0, 0, err
	}

	page, size = 1, models.DefaultPageSize
	if p != nil {
		if *p < 1 {
			return 0, 0, fmt.Errorf("%w: 'page' must be at least 1", models.ErrInvalidQuery)
		}
		page = *p
	}
	if s != nil {
		if *s < 1 || *s > models.MaxPageSize {
			return 0, 0, fmt.Errorf("%w: 'size' must be between 1 and %d", models.ErrInvalidQuery, models.MaxPageSize)
		}
		size = *s
	}
	return page, size, nil
}

func parseSalesQuery(values url.Values) (models.SalesQuery, error) {
	var (
		q   models.SalesQuery
		err error
	)
	if q.From, err = parseTime(values, "from"); err != nil {
		return q, err
	}
	if q.To, err = parseTime(values, "to"); err != nil {
		return q, err
	}
	if q.MinPrice, err = parseFloat(values, "minPrice"); err != nil {
		return q, err
	}
	if q.MaxPrice, err = parseFloat(values, "maxPrice"); err != nil {
		return q, err
	}
	if q.Page, q.Size, err = parsePage(values); err != nil {
		return q, err
	}
	q.SortField = values.Get("sortField")
	q.SortDir = values.Get("sortDir")
	return q, nil
}

func parseTotalSalesQuery(values url.Values) (models.TotalSalesQuery, error) {
	q := models.TotalSalesQuery{Category: values.Get("category")}

	from, err := parseTime(values, "from")
	if err != nil {
		return q, err
	}
	to, err := parseTime(values, "to")
	if err != nil {
		return q, err
	}
	if from != nil {
		q.From = *from
	}
	if to != nil {
		q.To = *to
	}

	if q.ItemNo, err = parseInt(values, "itemNo"); err != nil {
		return q, err
	}
	return q, nil
}
