package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func validRow() registrar.Row {
	return registrar.Row{
		"product_name":   "Linen shirt",
		"category_id":    "50000803",
		"sale_price":     "29000",
		"stock_quantity": "10",
	}
}

func fields(issues []registrar.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Field)
	}
	return out
}

func TestValidateEmptyInput(t *testing.T) {
	t.Parallel()

	report := Validate(nil, DefaultSchema())
	require.True(t, report.Blocking())
	require.Equal(t, []registrar.Issue{{Row: 0, Field: "", Message: "data is empty"}}, report.Errors)
}

func TestValidateRowRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(registrar.Row)
		wantErrors []string
		wantWarn   []string
	}{
		{name: "valid", mutate: func(registrar.Row) {}},
		{
			name:       "missing required",
			mutate:     func(r registrar.Row) { delete(r, "product_name"); r["category_id"] = "  " },
			wantErrors: []string{"product_name", "category_id"},
		},
		{
			name:       "zero price",
			mutate:     func(r registrar.Row) { r["sale_price"] = "0" },
			wantErrors: []string{"sale_price"},
		},
		{
			name:       "price too large",
			mutate:     func(r registrar.Row) { r["sale_price"] = "1,000,000,000" },
			wantErrors: []string{"sale_price"},
		},
		{
			name:       "price not integer",
			mutate:     func(r registrar.Row) { r["sale_price"] = "12.5" },
			wantErrors: []string{"sale_price"},
		},
		{
			name:       "negative stock",
			mutate:     func(r registrar.Row) { r["stock_quantity"] = "-1" },
			wantErrors: []string{"stock_quantity"},
		},
		{
			name:     "missing stock warns",
			mutate:   func(r registrar.Row) { delete(r, "stock_quantity") },
			wantWarn: []string{"stock_quantity"},
		},
		{
			name:       "bad delivery type",
			mutate:     func(r registrar.Row) { r["delivery_fee_type"] = "EXPRESS" },
			wantErrors: []string{"delivery_fee_type"},
		},
		{
			name:   "delivery type case-insensitive",
			mutate: func(r registrar.Row) { r["delivery_fee_type"] = "free" },
		},
		{
			name:       "conditional free needs amount",
			mutate:     func(r registrar.Row) { r["delivery_fee_type"] = "CONDITIONAL_FREE" },
			wantErrors: []string{"free_condition_amount"},
		},
		{
			name: "conditional free with amount",
			mutate: func(r registrar.Row) {
				r["delivery_fee_type"] = "CONDITIONAL_FREE"
				r["free_condition_amount"] = "50000"
			},
		},
		{
			name:       "bad condition",
			mutate:     func(r registrar.Row) { r["product_condition"] = "BROKEN" },
			wantErrors: []string{"product_condition"},
		},
		{
			name:       "name too long",
			mutate:     func(r registrar.Row) { r["product_name"] = strings.Repeat("가", 101) },
			wantErrors: []string{"product_name"},
		},
		{
			name:   "name at limit counts runes",
			mutate: func(r registrar.Row) { r["product_name"] = strings.Repeat("가", 100) },
		},
		{
			name: "too many images",
			mutate: func(r registrar.Row) {
				r["optional_images"] = strings.TrimSuffix(strings.Repeat("https://cdn.example.com/a.jpg,", 10), ",")
			},
			wantErrors: []string{"optional_images"},
		},
		{
			name:     "local image warns",
			mutate:   func(r registrar.Row) { r["representative_image"] = "images/shirt.jpg" },
			wantWarn: []string{"representative_image"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			row := validRow()
			tt.mutate(row)
			report := Validate([]registrar.Row{row}, DefaultSchema())
			assert.Equal(t, len(tt.wantErrors) > 0, report.Blocking())
			assert.ElementsMatch(t, tt.wantErrors, fields(report.Errors))
			assert.ElementsMatch(t, tt.wantWarn, fields(report.Warnings))
			for _, issue := range append(report.Errors, report.Warnings...) {
				assert.Equal(t, 2, issue.Row)
			}
		})
	}
}

func TestValidateRowNumbersFollowSheet(t *testing.T) {
	t.Parallel()

	bad := validRow()
	bad["sale_price"] = "-5"
	report := Validate([]registrar.Row{validRow(), validRow(), bad}, DefaultSchema())
	require.Len(t, report.Errors, 1)
	require.Equal(t, 4, report.Errors[0].Row)
}

func TestValidateIsPure(t *testing.T) {
	t.Parallel()

	row := validRow()
	delete(row, "stock_quantity")
	rows := []registrar.Row{row}
	first := Validate(rows, DefaultSchema())
	second := Validate(rows, DefaultSchema())
	require.Equal(t, first, second)
	_, ok := row["stock_quantity"]
	require.False(t, ok)
}

func TestParseIntAndSplitList(t *testing.T) {
	t.Parallel()

	n, err := ParseInt(" 29,000.00 ")
	require.NoError(t, err)
	require.Equal(t, int64(29000), n)
	_, err = ParseInt("abc")
	require.Error(t, err)
	_, err = ParseInt("")
	require.Error(t, err)

	require.Equal(t, []string{"a", "b"}, SplitList(" a, ,b,"))
	require.Nil(t, SplitList(""))
	require.True(t, IsURL("HTTPS://x"))
	require.False(t, IsURL("ftp://x"))
}
