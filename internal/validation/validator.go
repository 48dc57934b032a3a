package validation

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/ThiagoRGoveia/sales-ingestion.git/internal/models"
)

const (
	MaxNameLength = 20
	MaxCodeLength = 5
	MaxCostPrice  = 100.0

	// Column bounds of item_no INTEGER, tax NUMERIC(12,6) and sale_price NUMERIC(14,2).
	MaxItemNo    = math.MaxInt32
	MaxTax       = 999999.0
	MaxSalePrice = 9999999999.0

	// SalePriceTolerance absorbs float rounding when comparing the sale price
	// against cost plus tax.
	SalePriceTolerance = 0.005
)

type Validator struct {
	StrictSalePrice bool
}

func New(strictSalePrice bool) *Validator {
	return &Validator{StrictSalePrice: strictSalePrice}
}

func (v *Validator) IsValid(rec *models.SalesRecord) bool {
	return v.Reason(rec) == ""
}

// Reason returns the first rule rec breaks, or an empty string when rec is valid.
func (v *Validator) Reason(rec *models.SalesRecord) string {
	if rec == nil {
		return "record is missing"
	}
	if rec.ItemNo <= 0 || rec.ItemNo > MaxItemNo {
		return fmt.Sprintf("itemNo must be between 1 and %d, got %d", MaxItemNo, rec.ItemNo)
	}
	if strings.TrimSpace(rec.Name) == "" {
		return "name is blank"
	}
	if utf8.RuneCountInString(rec.Name) > MaxNameLength {
		return fmt.Sprintf("name is longer than %d characters", MaxNameLength)
	}
	if strings.TrimSpace(rec.Code) == "" {
		return "code is blank"
	}
	if utf8.RuneCountInString(rec.Code) > MaxCodeLength {
		return fmt.Sprintf("code is longer than %d characters", MaxCodeLength)
	}
	if rec.Type != 1 && rec.Type != 2 {
		return fmt.Sprintf("type must be 1 or 2, got %d", rec.Type)
	}
	if !inRange(rec.CostPrice, MaxCostPrice) {
		return fmt.Sprintf("costPrice must be between 0 and %v, got %v", MaxCostPrice, rec.CostPrice)
	}
	if !inRange(rec.Tax, MaxTax) {
		return fmt.Sprintf("tax must be between 0 and %v, got %v", MaxTax, rec.Tax)
	}
	if !inRange(rec.SalePrice, MaxSalePrice) {
		return fmt.Sprintf("salePrice must be between 0 and %v, got %v", MaxSalePrice, rec.SalePrice)
	}
	if rec.SaleDate.IsZero() {
		return "saleDate is missing"
	}
	if v.StrictSalePrice {
		expected := rec.CostPrice + rec.CostPrice*rec.Tax
		if math.Abs(rec.SalePrice-expected) > SalePriceTolerance {
			return fmt.Sprintf("salePrice %v does not match cost plus tax %v", rec.SalePrice, expected)
		}
	}
	return ""
}

// inRange is false for NaN, which fails every comparison.
func inRange(v, upper float64) bool {
	return v >= 0 && v <= upper
}
