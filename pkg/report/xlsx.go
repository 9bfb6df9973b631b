package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// XLSXRenderer writes a single-sheet spreadsheet.
type XLSXRenderer struct{}

func (XLSXRenderer) Extension() string { return "xlsx" }

func (XLSXRenderer) Render(path string, table Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows := append([][]string{table.Header}, table.Rows...)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]any, 0, len(row))
		for _, v := range row {
			values = append(values, v)
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(table.Header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", lastHeader, bold); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", "C", 28); err != nil {
		return err
	}
	return f.SaveAs(path)
}
