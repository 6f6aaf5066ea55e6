package sheet

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseRecordsAcceptsWellFormedRows(t *testing.T) {
	records := [][]string{
		DataRow("2025/07/01", "08:30", "김철수", "휘발유", "20.5", "1,650", "33,825", "A1001", "9000-0001"),
		DataRow("2025/07/01", "09:10", "", "경유", "30", "1,450", "43,500", "A1002", ""),
	}

	result := ParseRecords(records, 4, "T1001", "july.xlsx")
	if len(result.Rejected) != 0 {
		t.Fatalf("expected no rejects, got %v", result.Rejected)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}

	first := result.Rows[0]
	if first.TID != "T1001" || first.SaleDate != "2025-07-01" || first.SaleTime != "08:30" {
		t.Fatalf("unexpected keys: %+v", first)
	}
	if first.Product != "휘발유" {
		t.Fatalf("expected product from product_pack column, got %q", first.Product)
	}
	if !first.Quantity.Equal(decimal.RequireFromString("20.5")) {
		t.Fatalf("unexpected quantity %s", first.Quantity)
	}
	if !first.TotalAmount.Equal(decimal.NewFromInt(33825)) {
		t.Fatalf("comma-separated amount not parsed: %s", first.TotalAmount)
	}
	if first.BonusCard != "9000-0001" || first.SourceFile != "july.xlsx" {
		t.Fatalf("unexpected row: %+v", first)
	}
}

func TestParseRecordsRejectsBrokenRows(t *testing.T) {
	cases := []struct {
		name   string
		record []string
		reason string
	}{
		{"bad date", DataRow("July 1st", "08:30", "", "휘발유", "20", "1650", "33000", "A1", ""), "sale_date"},
		{"bad time", DataRow("2025/07/01", "morning", "", "휘발유", "20", "1650", "33000", "A1", ""), "sale_time"},
		{"missing approval", DataRow("2025/07/01", "08:30", "", "휘발유", "20", "1650", "33000", "", ""), "approval_number"},
		{"bad quantity", DataRow("2025/07/01", "08:30", "", "휘발유", "many", "1650", "33000", "A1", ""), "quantity"},
		{"bad amount", DataRow("2025/07/01", "08:30", "", "휘발유", "20", "1650", "a lot", "A1", ""), "total_amount"},
		{"truncated", []string{"2025/07/01", "08:30"}, "approval_number"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseRecords([][]string{tc.record}, 4, "T1001", "f.xlsx")
			if len(result.Rows) != 0 {
				t.Fatalf("expected reject, got row %+v", result.Rows[0])
			}
			if len(result.Rejected) != 1 {
				t.Fatalf("expected 1 reject, got %d", len(result.Rejected))
			}
			if result.Rejected[0].RowNumber != 4 {
				t.Fatalf("expected row number 4, got %d", result.Rejected[0].RowNumber)
			}
			if !strings.Contains(result.Rejected[0].Reason, tc.reason) {
				t.Fatalf("reason %q does not mention %q", result.Rejected[0].Reason, tc.reason)
			}
		})
	}
}

func TestParseRecordsAcceptsTailTrimmedCardlessRows(t *testing.T) {
	// GetRows drops blank trailing cells, so a row without a bonus card
	// ends at the approval number column
	record := DataRow("2025/07/01", "08:30", "", "휘발유", "20", "1650", "33000", "A1001", "")
	record = record[:colApprovalNumber+1]

	result := ParseRecords([][]string{record}, 4, "T1001", "f.xlsx")
	if len(result.Rejected) != 0 {
		t.Fatalf("card-less trimmed row rejected: %v", result.Rejected)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
	if result.Rows[0].BonusCard != "" {
		t.Fatalf("expected empty bonus card, got %q", result.Rows[0].BonusCard)
	}
	if !result.Rows[0].TotalAmount.Equal(decimal.NewFromInt(33000)) {
		t.Fatalf("unexpected amount %s", result.Rows[0].TotalAmount)
	}
}

func TestParseRecordsSkipsSummaryAndBlankRows(t *testing.T) {
	summary := make([]string, columnCount)
	summary[colSaleDate] = "합계"
	summary[colTotalAmount] = "77,325"

	records := [][]string{
		DataRow("2025/07/01", "08:30", "", "휘발유", "20", "1650", "33000", "A1", ""),
		make([]string, columnCount),
		summary,
		{"Total"},
	}

	result := ParseRecords(records, 4, "T1001", "f.xlsx")
	if len(result.Rows) != 1 || len(result.Rejected) != 0 {
		t.Fatalf("expected 1 row and no rejects, got %d rows %d rejects", len(result.Rows), len(result.Rejected))
	}
}

func TestParseRecordsDefaultsAbsentTime(t *testing.T) {
	records := [][]string{
		DataRow("2025/07/01", "", "", "휘발유", "20", "1650", "33000", "A1", ""),
	}

	result := ParseRecords(records, 4, "T1001", "f.xlsx")
	if len(result.Rows) != 1 {
		t.Fatalf("expected row accepted, rejects: %v", result.Rejected)
	}
	if result.Rows[0].SaleTime != "00:00" {
		t.Fatalf("expected fallback time 00:00, got %q", result.Rows[0].SaleTime)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "defaulted") {
		t.Fatalf("expected a default-time warning, got %v", result.Warnings)
	}
}

func TestParseRecordsPreservesNegativeAmounts(t *testing.T) {
	records := [][]string{
		DataRow("2025/07/01", "10:00", "", "휘발유", "-20", "1650", "-33,000", "R1", ""),
	}

	result := ParseRecords(records, 4, "T1001", "f.xlsx")
	if len(result.Rows) != 1 {
		t.Fatalf("refund row rejected: %v", result.Rejected)
	}
	if !result.Rows[0].TotalAmount.Equal(decimal.NewFromInt(-33000)) {
		t.Fatalf("negative amount not preserved: %s", result.Rows[0].TotalAmount)
	}
	if !result.Rows[0].Quantity.IsNegative() {
		t.Fatalf("negative quantity not preserved: %s", result.Rows[0].Quantity)
	}
}

func TestParseRoundTripsWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.xlsx")
	rows := [][]string{
		DataRow("2025/07/01", "08:30", "김철수", "휘발유", "20", "1650", "33000", "A1001", "9000-0001"),
		DataRow("2025/07/02", "11:00", "", "경유", "15", "1450", "21750", "A1002", ""),
	}
	if err := Write(path, rows); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	result, err := Parse(path, "T1001", "upload.xlsx")
	if err != nil {
		t.Fatalf("parse workbook: %v", err)
	}
	if len(result.Rows) != 2 || len(result.Rejected) != 0 {
		t.Fatalf("expected 2 rows, got %d rows %d rejects", len(result.Rows), len(result.Rejected))
	}
	if result.Rows[1].SaleDate != "2025-07-02" {
		t.Fatalf("unexpected second row date %q", result.Rows[1].SaleDate)
	}
}
