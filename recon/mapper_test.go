package recon

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
)

func TestMapColumn_ExplicitOnly(t *testing.T) {
	col, err := MapColumn(models.EntityInvoice, SourceBulk, "Invoice Number")
	if err != nil {
		t.Fatal(err)
	}
	if col != "invoice_number" {
		t.Fatalf("expected invoice_number, got %s", col)
	}

	// Nothing is guessed: a near-miss native name is unmapped, not split.
	_, err = MapColumn(models.EntityInvoice, SourceBulk, "InvoiceNumber")
	if !errors.Is(err, ErrUnmappedColumn) {
		t.Fatalf("expected ErrUnmappedColumn, got %v", err)
	}
}

func TestMapColumn_AmbiguousCompoundNamesListedInFull(t *testing.T) {
	// Both order identifiers are explicit entries, no pattern matching.
	for _, native := range []string{"SalesOrder Number", "Order Number"} {
		col, err := MapColumn(models.EntitySalesOrder, SourceBulk, native)
		if err != nil {
			t.Fatalf("%s: %v", native, err)
		}
		if col != "order_number" {
			t.Fatalf("%s: expected order_number, got %s", native, col)
		}
	}
}

func TestMapColumn_UnknownEntity(t *testing.T) {
	_, err := MapColumn("ledger", SourceBulk, "Total")
	if !errors.Is(err, ErrMissingMappingTable) {
		t.Fatalf("expected ErrMissingMappingTable, got %v", err)
	}
}

func TestMapRows_DropsUnmappedIntoReport(t *testing.T) {
	sch, _ := GetSchema(models.EntityInvoice)

	native := []NativeRow{
		{"Invoice Number": "INV-1", "Total": "100.50", "Branch Code": "YGN"},
		{"Invoice Number": "INV-2", "Total": "7", "Branch Code": "MDY"},
	}

	rows, report, warnings, err := MapRows(sch, SourceBulk, native)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if report.Columns["Branch Code"] != 2 {
		t.Fatalf("expected Branch Code dropped twice, got %v", report.Columns)
	}
	if _, ok := rows[0]["Branch Code"]; ok {
		t.Fatal("unmapped column leaked into canonical row")
	}

	total, ok := rows[0]["total"].(decimal.Decimal)
	if !ok {
		t.Fatalf("total not a decimal: %T", rows[0]["total"])
	}
	if !total.Equal(decimal.RequireFromString("100.50")) {
		t.Fatalf("total = %s", total)
	}
}

func TestMapRows_BadValueBecomesNullWithWarning(t *testing.T) {
	sch, _ := GetSchema(models.EntityInvoice)

	native := []NativeRow{
		{"Invoice Number": "INV-1", "Total": "N/A", "Invoice Date": "2023-01-01"},
	}

	rows, _, warnings, err := MapRows(sch, SourceBulk, native)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0]["total"] != nil {
		t.Fatalf("expected nil total, got %v", rows[0]["total"])
	}
	if len(warnings) != 1 || warnings[0].Column != "total" {
		t.Fatalf("expected one warning on total, got %v", warnings)
	}

	d, ok := rows[0]["invoice_date"].(time.Time)
	if !ok || d.Format("2006-01-02") != "2023-01-01" {
		t.Fatalf("invoice_date = %v", rows[0]["invoice_date"])
	}
}

func TestMapRows_APIFeedGenericDateMapsToBusinessDate(t *testing.T) {
	sch, _ := GetSchema(models.EntityBill)

	native := []NativeRow{
		{"bill_number": "BILL-9", "date": "2024-04-02", "total": "12.00"},
	}
	rows, report, _, err := MapRows(sch, SourceAPI, native)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Columns) != 0 {
		t.Fatalf("unexpected unmapped columns: %v", report.Columns)
	}
	if _, ok := rows[0]["bill_date"].(time.Time); !ok {
		t.Fatalf("api date did not land in bill_date: %v", rows[0])
	}
}

func TestNormalizeValue_EmptyIsNull(t *testing.T) {
	for _, kind := range []FieldKind{KindString, KindDecimal, KindDate, KindDateTime} {
		v, err := normalizeValue("   ", kind)
		if err != nil || v != nil {
			t.Fatalf("kind %s: expected nil, got %v (%v)", kind, v, err)
		}
	}
}

func TestSchemaRegistry_MappingTargetsExist(t *testing.T) {
	// Every mapping target must be a canonical field; a mapping into a
	// dropped field would silently discard data at ingest.
	for entityType, bySource := range columnMappings {
		sch, err := GetSchema(entityType)
		if err != nil {
			t.Fatal(err)
		}
		for source, mapping := range bySource {
			keyMapped := false
			for native, canonical := range mapping {
				if _, ok := sch.FieldKind(canonical); !ok {
					t.Fatalf("%s/%s: %q maps to unknown field %q", entityType, source, native, canonical)
				}
				if canonical == sch.NaturalKey {
					keyMapped = true
				}
			}
			if !keyMapped {
				t.Fatalf("%s/%s: natural key %q has no native mapping", entityType, source, sch.NaturalKey)
			}
		}
	}
}
