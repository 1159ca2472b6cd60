package sheet

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// ContentType is the MIME type of XLSX exports.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const timeLayout = "2006-01-02 15:04:05"

var (
	resultHeaders = []any{"행", "상품명", "결과", "상품ID", "오류"}
	// productHeaders reuse upload titles where a column maps back to an
	// upload field, so an edited export can be uploaded again.
	productHeaders = []any{
		"원본 제목",
		"원본 가격",
		"통화",
		"판매가",
		"상품명",
		"카테고리ID",
		"이미지",
		"원본 URL",
		"등록 여부",
		"등록 상품ID",
		"크롤링 시간",
	}
)

// WriteResults renders per-row job results. The row column is the sheet row
// the result came from.
func WriteResults(results []registrar.ProductResult) ([]byte, error) {
	rows := make([][]any, 0, len(results))
	for _, r := range results {
		outcome := "실패"
		if r.Success {
			outcome = "성공"
		}
		rows = append(rows, []any{r.RowIndex + 2, r.ProductName, outcome, r.ExternalProductID, r.ErrorMessage})
	}
	return write("Results", resultHeaders, rows, map[string]float64{"B": 40, "E": 60})
}

// WriteProducts renders crawled products.
func WriteProducts(products []registrar.CrawledProduct) ([]byte, error) {
	rows := make([][]any, 0, len(products))
	for _, p := range products {
		registered := "X"
		if p.IsRegistered {
			registered = "O"
		}
		rows = append(rows, []any{
			p.OriginalTitle,
			p.OriginalPrice,
			p.OriginalCurrency,
			p.SalePrice,
			p.ProductName,
			p.CategoryID,
			strings.Join(p.OriginalImages, ","),
			p.OriginalURL,
			registered,
			p.RegisteredProductID,
			p.CrawledAt.UTC().Format(timeLayout),
		})
	}
	return write("Products", productHeaders, rows, map[string]float64{"A": 40, "E": 40, "G": 60, "H": 60})
}

func write(sheet string, headers []any, rows [][]any, widths map[string]float64) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck // in-memory workbook
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(sheet, 1, 1, style)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	for col, width := range widths {
		_ = f.SetColWidth(sheet, col, col, width)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
