package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractExcel renders each sheet as a "Sheet: name" heading followed by tab-separated rows.
func extractExcel(content []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	var sheets []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		var buf strings.Builder
		buf.WriteString("Sheet: " + sheet)
		for _, row := range rows {
			buf.WriteByte('\n')
			buf.WriteString(strings.Join(row, "\t"))
		}
		sheets = append(sheets, buf.String())
	}
	return strings.Join(sheets, "\n\n"), nil
}
