package report

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/pipeline"
	"github.com/shpitdev/soldcomp/pkg/pipeline/schema"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Results"

// WriteXLSX writes rows to a single-sheet workbook with the results header.
// Integer columns are written as numbers so spreadsheet sorting works.
func WriteXLSX(path string, rows []pipeline.Row) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return errors.Wrap(err, "name sheet")
	}

	for i, h := range pipeline.Header() {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return errors.Wrapf(err, "write header %s", h)
		}
	}
	numeric := numericColumns()
	for r, row := range rows {
		for c, v := range row.Values() {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			var val any = v
			if numeric[c] {
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					val = n
				}
			}
			if err := f.SetCellValue(sheetName, cell, val); err != nil {
				return errors.Wrapf(err, "write cell %s", cell)
			}
		}
	}

	_ = f.SetColWidth(sheetName, "B", "B", 48)
	_ = f.SetColWidth(sheetName, "L", "M", 40)
	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return errors.Wrap(err, "freeze header")
	}

	if err := f.SaveAs(path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}

func numericColumns() map[int]bool {
	out := make(map[int]bool)
	for i, field := range pipeline.Contract.Fields {
		if field.Type == schema.TypeInteger {
			out[i] = true
		}
	}
	return out
}
