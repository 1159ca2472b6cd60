// Package validation checks parsed spreadsheet rows before any API call.
// Validate is a pure function of the rows and a Schema.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Range bounds an integer field. A nil end is open.
type Range struct {
	Min *int64
	Max *int64
}

// Between returns a closed range.
func Between(lo, hi int64) Range {
	return Range{Min: &lo, Max: &hi}
}

// AtLeast returns a range with only a lower bound.
func AtLeast(lo int64) Range {
	return Range{Min: &lo}
}

// Rule is a cross-field check run once per row. row is the spreadsheet row
// number used in any Issue it returns.
type Rule func(row int, r registrar.Row) (errs []registrar.Issue, warnings []registrar.Issue)

// Schema declares the checks applied to every row.
type Schema struct {
	Required []string
	Integers []string
	Ranges   map[string]Range
	// Enums lists accepted values, compared case-insensitively.
	Enums        map[string][]string
	MaxLen       map[string]int
	MaxListItems map[string]int
	// URLLists names comma-separated image fields whose entries should be
	// http(s) URLs. Anything else only warns.
	URLLists []string
	// Defaults names optional fields that warn when empty, with the value
	// that will be used instead.
	Defaults map[string]string
	Rules    []Rule
}

// Delivery fee types and product conditions accepted by the registration API.
var (
	DeliveryFeeTypes   = []string{"FREE", "PAID", "CONDITIONAL_FREE"}
	ProductConditions  = []string{"NEW", "USED", "REFURBISHED"}
	maxSalePrice       = int64(999_999_999)
	maxProductNameRune = 100
	maxOptionalImages  = 9
)

// DefaultSchema returns the rules for a product registration sheet.
func DefaultSchema() Schema {
	return Schema{
		Required: []string{"product_name", "category_id", "sale_price"},
		Integers: []string{
			"sale_price",
			"stock_quantity",
			"base_delivery_fee",
			"free_condition_amount",
			"return_fee",
			"exchange_fee",
		},
		Ranges: map[string]Range{
			"sale_price":            Between(1, maxSalePrice),
			"stock_quantity":        AtLeast(0),
			"base_delivery_fee":     AtLeast(0),
			"return_fee":            AtLeast(0),
			"exchange_fee":          AtLeast(0),
			"free_condition_amount": AtLeast(0),
		},
		Enums: map[string][]string{
			"delivery_fee_type": DeliveryFeeTypes,
			"product_condition": ProductConditions,
		},
		MaxLen:       map[string]int{"product_name": maxProductNameRune},
		MaxListItems: map[string]int{"optional_images": maxOptionalImages},
		URLLists:     []string{"representative_image", "optional_images"},
		Defaults:     map[string]string{"stock_quantity": "0"},
		Rules:        []Rule{conditionalFreeRule},
	}
}

func conditionalFreeRule(row int, r registrar.Row) ([]registrar.Issue, []registrar.Issue) {
	if !strings.EqualFold(strings.TrimSpace(r["delivery_fee_type"]), "CONDITIONAL_FREE") {
		return nil, nil
	}
	amount, err := ParseInt(r["free_condition_amount"])
	if err != nil || amount <= 0 {
		return []registrar.Issue{{
			Row:     row,
			Field:   "free_condition_amount",
			Message: "free_condition_amount must be > 0 for CONDITIONAL_FREE delivery",
		}}, nil
	}
	return nil, nil
}

// ParseInt parses a spreadsheet integer cell. Thousands separators and a
// zero fraction ("1,000", "29000.0") are accepted.
func ParseInt(raw string) (int64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if s == "" {
		return 0, errors.New("empty value")
	}
	if whole, frac, ok := strings.Cut(s, "."); ok {
		if strings.Trim(frac, "0") != "" {
			return 0, fmt.Errorf("%q is not an integer", raw)
		}
		s = whole
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	return n, nil
}

// SplitList splits a comma-separated cell, dropping empty entries.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsURL reports whether ref is an absolute http(s) URL.
func IsURL(ref string) bool {
	lower := strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
