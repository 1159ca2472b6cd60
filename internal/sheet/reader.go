// Package sheet reads uploaded product spreadsheets and writes XLSX exports.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// headerAliases maps Korean column titles, with spaces removed, to field names.
var headerAliases = map[string]string{
	"상품명":      "product_name",
	"카테고리id":   "category_id",
	"카테고리":     "category_id",
	"판매가":      "sale_price",
	"재고수량":     "stock_quantity",
	"재고":       "stock_quantity",
	"상세설명":     "detail_content",
	"대표이미지":    "representative_image",
	"추가이미지":    "optional_images",
	"옵션1이름":    "option1_name",
	"옵션1값":     "option1_value",
	"옵션2이름":    "option2_name",
	"옵션2값":     "option2_value",
	"배송비유형":    "delivery_fee_type",
	"기본배송비":    "base_delivery_fee",
	"무료배송조건금액": "free_condition_amount",
	"반품배송비":    "return_fee",
	"교환배송비":    "exchange_fee",
	"판매자관리코드":  "seller_managed_code",
	"브랜드":      "brand",
	"제조사":      "manufacturer",
	"원산지":      "origin_area",
	"태그":       "seller_tags",
	"상품상태":     "product_condition",
}

// Formats reports whether name has an accepted upload extension.
func Formats(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".csv":
		return true
	default:
		return false
	}
}

// Read parses an XLSX (first sheet) or CSV upload into rows keyed by
// normalized column names. Rows whose cells are all empty are skipped.
func Read(name string, r io.Reader) ([]registrar.Row, error) {
	var (
		records [][]string
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".xlsx":
		records, err = readXLSX(r)
	case ".csv":
		records, err = readCSV(r)
	default:
		return nil, fmt.Errorf("%w: %q", registrar.ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}
	return toRows(records), nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only workbook
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("xlsx has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return records, nil
}

func toRows(records [][]string) []registrar.Row {
	if len(records) == 0 {
		return []registrar.Row{}
	}
	header := make([]string, len(records[0]))
	for i, title := range records[0] {
		header[i] = NormalizeHeader(title)
	}
	rows := make([]registrar.Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(registrar.Row, len(header))
		empty := true
		for i, cell := range record {
			if i >= len(header) || header[i] == "" {
				continue
			}
			value := strings.TrimSpace(cell)
			if value != "" {
				empty = false
			}
			row[header[i]] = value
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	return rows
}

// NormalizeHeader maps a column title to its field name. Known Korean titles
// use the alias table; anything else is trimmed, lowercased and has spaces
// replaced by underscores.
func NormalizeHeader(title string) string {
	title = strings.TrimSpace(strings.TrimPrefix(title, string(utf8BOM)))
	if title == "" {
		return ""
	}
	key := strings.ToLower(strings.ReplaceAll(title, " ", ""))
	if field, ok := headerAliases[key]; ok {
		return field
	}
	return strings.ReplaceAll(strings.ToLower(title), " ", "_")
}
