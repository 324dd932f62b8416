package snapshot

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

var ErrBadWorkbook = errors.New("bad snapshot workbook")

// WorkbookHeadings is the column order WriteWorkbook produces and ReadWorkbook
// falls back to when the sheet has no recognizable header row.
var WorkbookHeadings = []string{"Key", "Label", "Quantity", "Amount"}

// ReadWorkbook loads a snapshot from an xlsx sheet with the columns key,
// label, quantity and amount. Empty sheet name means the first sheet.
// Blank rows are skipped.
func ReadWorkbook(r io.Reader, sheet string) (models.Snapshot, error) {
	var snap models.Snapshot
	f, err := excelize.OpenReader(r)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return snap, err
	}
	if len(rows) == 0 {
		return snap, fmt.Errorf("%w: sheet %q is empty", ErrBadWorkbook, sheet)
	}

	cols, hasHeader := headerColumns(rows[0])
	start := 0
	if hasHeader {
		start = 1
	}
	for i := start; i < len(rows); i++ {
		row := rows[i]
		key := strings.TrimSpace(cell(row, cols["key"]))
		if key == "" {
			if isBlank(row) {
				continue
			}
			return snap, fmt.Errorf("%w: row %d has no key", ErrBadWorkbook, i+1)
		}
		qty, err := parseDecimal(cell(row, cols["quantity"]))
		if err != nil {
			return snap, fmt.Errorf("%w: row %d quantity: %v", ErrBadWorkbook, i+1, err)
		}
		amount, err := parseDecimal(cell(row, cols["amount"]))
		if err != nil {
			return snap, fmt.Errorf("%w: row %d amount: %v", ErrBadWorkbook, i+1, err)
		}
		snap.Rows = append(snap.Rows, models.SnapshotRow{
			Key:      key,
			Label:    strings.TrimSpace(cell(row, cols["label"])),
			Quantity: qty,
			Amount:   amount,
		})
	}
	return snap, snap.Validate()
}

// WriteWorkbook writes snap as a single-sheet workbook ReadWorkbook can load.
func WriteWorkbook(w io.Writer, snap models.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	if err := f.SetSheetRow(sheet, "A1", &WorkbookHeadings); err != nil {
		return err
	}
	for i, r := range snap.Rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []interface{}{r.Key, r.Label, r.Quantity.String(), r.Amount.String()}
		if err := f.SetSheetRow(sheet, cellName, &values); err != nil {
			return err
		}
	}
	return f.Write(w)
}

func headerColumns(first []string) (map[string]int, bool) {
	cols := map[string]int{"key": 0, "label": 1, "quantity": 2, "amount": 3}
	found := map[string]int{}
	for i, h := range first {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "key", "code", "item code":
			found["key"] = i
		case "label", "name", "description":
			found["label"] = i
		case "quantity", "qty":
			found["quantity"] = i
		case "amount", "total":
			found["amount"] = i
		}
	}
	if _, ok := found["key"]; !ok {
		return cols, false
	}
	for k := range cols {
		cols[k] = -1
	}
	for k, v := range found {
		cols[k] = v
	}
	return cols, true
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseDecimal(v string) (decimal.Decimal, error) {
	v = strings.ReplaceAll(strings.TrimSpace(v), ",", "")
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}
