package sheet

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

func xlsxBytes(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck // test workbook
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestReadXLSXNormalizesKoreanHeaders(t *testing.T) {
	t.Parallel()

	data := xlsxBytes(t, [][]any{
		{"상품명", "카테고리 ID", "판매가", "재고수량", "Seller Tags"},
		{"테스트", "50000000", 10000, 10, "a,b"},
		{"", "", "", "", ""},
		{"두번째", "50000001", 20000, "", ""},
	})
	rows, err := Read("upload.XLSX", bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "테스트", rows[0]["product_name"])
	require.Equal(t, "50000000", rows[0]["category_id"])
	require.Equal(t, "10000", rows[0]["sale_price"])
	require.Equal(t, "10", rows[0]["stock_quantity"])
	require.Equal(t, "a,b", rows[0]["seller_tags"])
	require.Equal(t, "두번째", rows[1]["product_name"])
}

func TestReadCSVStripsBOM(t *testing.T) {
	t.Parallel()

	csv := "\ufeffproduct_name,Sale Price,재고\n셔츠, 29000,5\n,,\n"
	rows, err := Read("rows.csv", strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, []registrar.Row{{"product_name": "셔츠", "sale_price": "29000", "stock_quantity": "5"}}, rows)
}

func TestReadRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := Read("notes.txt", strings.NewReader("hello"))
	require.ErrorIs(t, err, registrar.ErrUnsupportedFormat)
	require.False(t, Formats("notes.txt"))
	require.True(t, Formats("a.csv"))
}

func TestReadEmptyCSV(t *testing.T) {
	t.Parallel()

	rows, err := Read("empty.csv", strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestWriteResultsRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := WriteResults([]registrar.ProductResult{
		{RowIndex: 0, ProductName: "A", Success: true, ExternalProductID: "P-1"},
		{RowIndex: 1, ProductName: "B", ErrorMessage: "bad category"},
	})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // test workbook
	rows, err := f.GetRows("Results")
	require.NoError(t, err)
	require.Equal(t, []string{"행", "상품명", "결과", "상품ID", "오류"}, rows[0])
	require.Equal(t, []string{"2", "A", "성공", "P-1"}, rows[1])
	require.Equal(t, []string{"3", "B", "실패", "", "bad category"}, rows[2])
}

func TestWriteProductsHasElevenColumns(t *testing.T) {
	t.Parallel()

	data, err := WriteProducts([]registrar.CrawledProduct{{
		OriginalTitle:    "Shirt",
		OriginalPrice:    10000,
		OriginalCurrency: "KRW",
		OriginalImages:   []string{"https://x/1.jpg", "https://x/2.jpg"},
		OriginalURL:      "https://shop.example.com/p/1",
		ProductName:      "Shirt",
		SalePrice:        12000,
		CrawledAt:        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	require.NoError(t, err)

	rows, err := Read("products.xlsx", bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "12000", rows[0]["sale_price"])
	require.Equal(t, "Shirt", rows[0]["product_name"])
	require.Equal(t, "X", rows[0]["등록_여부"])
	require.Equal(t, "2025-01-02 03:04:05", rows[0]["크롤링_시간"])

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // test workbook
	header, err := f.GetRows("Products")
	require.NoError(t, err)
	require.Len(t, header[0], 11)
}
