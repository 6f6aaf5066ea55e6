package sheet

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

var headerColumns = []string{
	"sale_date", "sale_time", "customer_number", "customer_name", "issue_number",
	"product_type", "sale_type", "payment_type", "sale_type2", "nozzle",
	"product_code", "product_pack", "quantity", "unit_price", "total_amount",
	"earned_points", "points", "bonus", "pos_id", "pos_code", "store", "receipt",
	"approval_number", "approval_datetime", "bonus_card", "customer_card_number",
	"data_created_at",
}

// Write produces a workbook in the upload format: two metadata rows, the
// header on row 3 and the given data rows from row 4. Used by fixtures and
// the test suite.
func Write(path string, dataRows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := f.GetSheetName(0)
	if err := f.SetCellValue(sheetName, "A1", "POS 판매내역"); err != nil {
		return err
	}
	for col, name := range headerColumns {
		cellRef, err := excelize.CoordinatesToCellName(col+1, headerRowIndex+1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cellRef, name); err != nil {
			return err
		}
	}
	for rowIdx, row := range dataRows {
		for col, value := range row {
			cellRef, err := excelize.CoordinatesToCellName(col+1, dataRowIndex+1+rowIdx)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cellRef, value); err != nil {
				return err
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

// DataRow builds a full-width record from the handful of fields the parser
// reads, leaving the rest blank.
func DataRow(saleDate, saleTime, customerName, product, quantity, unitPrice, amount, approval, bonusCard string) []string {
	record := make([]string, columnCount)
	record[colSaleDate] = saleDate
	record[colSaleTime] = saleTime
	record[colCustomerName] = customerName
	record[colPaymentType] = "card"
	record[colProductPack] = product
	record[colQuantity] = quantity
	record[colUnitPrice] = unitPrice
	record[colTotalAmount] = amount
	record[colApprovalNumber] = approval
	record[colBonusCard] = bonusCard
	return record
}
