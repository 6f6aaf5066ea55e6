package sheet

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"juyuso/backend/internal/domain"
)

// The upload format is fixed: rows 1-2 are metadata/blank, row 3 is the
// header, data starts at row 4. Columns are positional.
const (
	headerRowIndex = 2 // 0-based
	dataRowIndex   = 3
)

const (
	colSaleDate = iota
	colSaleTime
	colCustomerNumber
	colCustomerName
	colIssueNumber
	colProductType
	colSaleType
	colPaymentType
	colSaleType2
	colNozzle
	colProductCode
	colProductPack
	colQuantity
	colUnitPrice
	colTotalAmount
	colEarnedPoints
	colPoints
	colBonus
	colPosID
	colPosCode
	colStore
	colReceipt
	colApprovalNumber
	colApprovalDatetime
	colBonusCard
	colCustomerCardNumber
	colDataCreatedAt

	columnCount
)

// Result is the outcome of parsing one spreadsheet. Rejected rows carry
// their 1-based sheet row number and a reason; they never abort parsing.
type Result struct {
	Rows     []domain.Transaction
	Rejected []domain.RejectedRow
	Warnings []string
}

// Parse reads the first sheet of an xlsx workbook and maps its positional
// columns onto transactions bound to the given TID.
func Parse(path string, tid string, sourceFile string) (Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Result{}, fmt.Errorf("spreadsheet has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return Result{}, fmt.Errorf("read sheet rows: %w", err)
	}
	if len(records) <= dataRowIndex {
		return Result{}, nil
	}

	return ParseRecords(records[dataRowIndex:], dataRowIndex+1, tid, sourceFile), nil
}

// ParseRecords validates raw data rows. firstRowNumber is the 1-based sheet
// row number of records[0], used for reject reporting.
func ParseRecords(records [][]string, firstRowNumber int, tid string, sourceFile string) Result {
	var result Result
	for i, record := range records {
		rowNumber := firstRowNumber + i
		if isSummaryOrBlank(record) {
			continue
		}

		tx, warning, err := parseRow(record, tid, sourceFile)
		if err != nil {
			result.Rejected = append(result.Rejected, domain.RejectedRow{
				RowNumber: rowNumber,
				Reason:    err.Error(),
			})
			continue
		}
		if warning != "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: %s", rowNumber, warning))
		}
		result.Rows = append(result.Rows, tx)
	}
	return result
}

// parseRow maps one record onto a transaction. GetRows drops blank cells
// from the tail of each row, so a short record is normal (card-less rows
// lose their trailing columns); cell() treats missing indexes as empty and
// the per-field checks below decide what is actually required.
func parseRow(record []string, tid string, sourceFile string) (domain.Transaction, string, error) {
	saleDate, err := parseDate(cell(record, colSaleDate))
	if err != nil {
		return domain.Transaction{}, "", err
	}

	saleTime, warning := parseTime(cell(record, colSaleTime))
	if saleTime == "" {
		return domain.Transaction{}, "", fmt.Errorf("unparseable sale_time %q", cell(record, colSaleTime))
	}

	approval := cell(record, colApprovalNumber)
	if approval == "" {
		return domain.Transaction{}, "", fmt.Errorf("missing approval_number")
	}

	quantity, err := parseNumber(cell(record, colQuantity))
	if err != nil {
		return domain.Transaction{}, "", fmt.Errorf("unparseable quantity %q", cell(record, colQuantity))
	}
	amount, err := parseNumber(cell(record, colTotalAmount))
	if err != nil {
		return domain.Transaction{}, "", fmt.Errorf("unparseable total_amount %q", cell(record, colTotalAmount))
	}
	unitPrice := decimal.Zero
	if raw := cell(record, colUnitPrice); raw != "" {
		unitPrice, err = parseNumber(raw)
		if err != nil {
			return domain.Transaction{}, "", fmt.Errorf("unparseable unit_price %q", raw)
		}
	}

	tx := domain.Transaction{
		TID:            tid,
		SaleDate:       saleDate,
		SaleTime:       saleTime,
		ApprovalNumber: approval,
		Product:        cell(record, colProductPack),
		Quantity:       quantity,
		UnitPrice:      unitPrice,
		TotalAmount:    amount,
		PaymentType:    cell(record, colPaymentType),
		BonusCard:      cell(record, colBonusCard),
		CustomerName:   cell(record, colCustomerName),
		SourceFile:     sourceFile,
	}
	return tx, warning, nil
}

// isSummaryOrBlank reports whether the row is empty or a trailing summary
// line (first cell 합계 or total).
func isSummaryOrBlank(record []string) bool {
	empty := true
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			empty = false
			break
		}
	}
	if empty {
		return true
	}
	first := strings.TrimSpace(record[0])
	return first == "합계" || strings.EqualFold(first, "total")
}

func cell(record []string, idx int) string {
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// parseDate accepts YYYY/MM/DD (and the already-normalized YYYY-MM-DD) and
// returns YYYY-MM-DD.
func parseDate(raw string) (string, error) {
	for _, layout := range []string{"2006/01/02", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unparseable sale_date %q", raw)
}

// parseTime accepts HH:MM (seconds tolerated and dropped). An absent time
// falls back to 00:00 with a warning.
func parseTime(raw string) (string, string) {
	if raw == "" {
		return "00:00", "sale_time absent, defaulted to 00:00"
	}
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("15:04"), ""
		}
	}
	return "", ""
}

// parseNumber strips thousands separators and preserves sign.
func parseNumber(raw string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(raw, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("empty")
	}
	return decimal.NewFromString(cleaned)
}
