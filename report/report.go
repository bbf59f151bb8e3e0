// Package report renders account statements.
package report

import (
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"
	"github.com/tealeg/xlsx"

	"secure-bank/models"
)

const dateLayout = "2006-01-02 15:04:05"

var header = []string{"ID", "Date", "Type", "Counterparty", "Amount"}

// row flattens t from username's point of view.
func row(username string, t models.Transfer) []string {
	counterparty := t.To
	if t.Direction(username) == "credit" {
		counterparty = t.From
	}
	return []string{
		t.ID,
		t.CreatedAt.UTC().Format(dateLayout),
		t.Direction(username),
		counterparty,
		t.Amount.StringFixed(2),
	}
}

// WritePDF writes username's statement as an A4 PDF table.
func WritePDF(w io.Writer, username string, transfers []models.Transfer) error {
	widths := []float64{70, 38, 18, 34, 25}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, fmt.Sprintf("Statement for %s", username))
	pdf.Ln(12)

	pdf.SetFont("Arial", "B", 10)
	for i, h := range header {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "", false, 0, "")
	}
	pdf.Ln(7)

	pdf.SetFont("Arial", "", 9)
	for _, t := range transfers {
		for i, v := range row(username, t) {
			align := ""
			if i == len(header)-1 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 7, v, "1", 0, align, false, 0, "")
		}
		pdf.Ln(7)
	}

	return pdf.Output(w)
}

// WriteXLSX writes username's statement as a single-sheet workbook.
func WriteXLSX(w io.Writer, username string, transfers []models.Transfer) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Transactions")
	if err != nil {
		return err
	}

	r := sheet.AddRow()
	for _, h := range header {
		r.AddCell().SetValue(h)
	}
	for _, t := range transfers {
		r = sheet.AddRow()
		for _, v := range row(username, t) {
			r.AddCell().SetValue(v)
		}
	}

	return file.Write(w)
}
