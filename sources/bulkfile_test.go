package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestBulkFileSource_ReadsCSV(t *testing.T) {
	dir := t.TempDir()
	csv := "Invoice Number,Total,Invoice Date\nINV-1,100.50,2023-01-01\nINV-2,7,2023-01-02\n"
	if err := os.WriteFile(filepath.Join(dir, "invoices.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &BulkFileSource{Dir: dir}
	rows, err := src.FetchBulk(context.Background(), "invoice")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["Invoice Number"] != "INV-1" || rows[0]["Total"] != "100.50" {
		t.Fatalf("first row = %v", rows[0])
	}
	if rows[1]["Invoice Date"] != "2023-01-02" {
		t.Fatalf("second row = %v", rows[1])
	}
}

func TestBulkFileSource_ReadsXLSXWhenNoCSV(t *testing.T) {
	dir := t.TempDir()

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetSheetRow(sheet, "A1", &[]any{"Bill Number", "Total"})
	_ = f.SetSheetRow(sheet, "A2", &[]any{"BILL-1", "42"})
	if err := f.SaveAs(filepath.Join(dir, "bills.xlsx")); err != nil {
		t.Fatal(err)
	}

	src := &BulkFileSource{Dir: dir}
	rows, err := src.FetchBulk(context.Background(), "bill")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0]["Bill Number"] != "BILL-1" {
		t.Fatalf("row = %v", rows[0])
	}
}

func TestBulkFileSource_MissingFile(t *testing.T) {
	src := &BulkFileSource{Dir: t.TempDir()}
	if _, err := src.FetchBulk(context.Background(), "payment"); err == nil {
		t.Fatal("expected an error for a missing export file")
	}
}

func TestBulkFileSource_RaggedCSVRows(t *testing.T) {
	dir := t.TempDir()
	// Exports sometimes truncate trailing empty cells.
	csv := "Payment Number,Amount,Reference Number\nPMT-1,10\n"
	if err := os.WriteFile(filepath.Join(dir, "payments.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &BulkFileSource{Dir: dir}
	rows, err := src.FetchBulk(context.Background(), "payment")
	if err != nil {
		t.Fatal(err)
	}
	if rows[0]["Payment Number"] != "PMT-1" || rows[0]["Amount"] != "10" {
		t.Fatalf("row = %v", rows[0])
	}
	if _, ok := rows[0]["Reference Number"]; ok {
		t.Fatal("missing trailing cell must stay absent, not empty-string")
	}
}
