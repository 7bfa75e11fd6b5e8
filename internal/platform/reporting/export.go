package reporting

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	resultsSheet    = "Results"
)

var resultsHeader = []string{
	"Order ID", "Patient", "Priority", "Status", "Test", "Value", "Unit", "Flag", "Verified At",
}

var resultsColWidths = []float64{38, 28, 10, 22, 20, 12, 12, 14, 22}

// ResultsWorkbook renders finalized results as an xlsx workbook with a
// styled header. Rows carrying a critical flag are highlighted.
func ResultsWorkbook(rows []ResultRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(resultsSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}
	criticalStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#9C0006"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFC7CE"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("create critical style: %w", err)
	}

	for col, header := range resultsHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(resultsSheet, cell, header); err != nil {
			return nil, fmt.Errorf("set header %s: %w", cell, err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(resultsSheet, name, name, resultsColWidths[col]); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}
	lastCol, _ := excelize.ColumnNumberToName(len(resultsHeader))
	if err := f.SetCellStyle(resultsSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}

	for i, r := range rows {
		rowNum := i + 2
		verified := ""
		if r.VerifiedAt != nil {
			verified = r.VerifiedAt.UTC().Format("2006-01-02 15:04")
		}
		values := []interface{}{r.OrderID, r.PatientName, r.Priority, r.Status, r.Test, r.Value, r.Unit, r.Flag, verified}

		start, _ := excelize.CoordinatesToCellName(1, rowNum)
		if err := f.SetSheetRow(resultsSheet, start, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", rowNum, err)
		}
		if strings.HasPrefix(r.Flag, "Critical") {
			end, _ := excelize.CoordinatesToCellName(len(resultsHeader), rowNum)
			if err := f.SetCellStyle(resultsSheet, start, end, criticalStyle); err != nil {
				return nil, fmt.Errorf("style row %d: %w", rowNum, err)
			}
		}
	}

	if err := f.SetPanes(resultsSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
