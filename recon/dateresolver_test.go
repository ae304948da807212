package recon

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/recon_backend/models"
)

var testFallback = []string{"created_time", "last_modified_time", "updated_time"}

func TestResolveDateColumn_PrefersEntityBusinessDate(t *testing.T) {
	sch, err := GetSchema(models.EntityBill)
	if err != nil {
		t.Fatal(err)
	}

	// created_time is always populated; bill_date must still win.
	col, err := ResolveDateColumn(sch, []string{"bill_date", "created_time"}, testFallback)
	if err != nil {
		t.Fatal(err)
	}
	if col != "bill_date" {
		t.Fatalf("expected bill_date, got %s", col)
	}
}

func TestResolveDateColumn_GenericDateBeforeTimestamps(t *testing.T) {
	sch, _ := GetSchema(models.EntityInvoice)

	col, err := ResolveDateColumn(sch, []string{"date", "created_time", "last_modified_time"}, testFallback)
	if err != nil {
		t.Fatal(err)
	}
	if col != "date" {
		t.Fatalf("expected date, got %s", col)
	}
}

func TestResolveDateColumn_FallbackOrderIsFixed(t *testing.T) {
	sch, _ := GetSchema(models.EntityInvoice)

	col, err := ResolveDateColumn(sch, []string{"last_modified_time", "created_time"}, testFallback)
	if err != nil {
		t.Fatal(err)
	}
	if col != "created_time" {
		t.Fatalf("expected created_time (first in fallback order), got %s", col)
	}
}

func TestResolveDateColumn_NoDateColumn(t *testing.T) {
	sch, _ := GetSchema(models.EntityPayment)

	_, err := ResolveDateColumn(sch, []string{"payment_number", "amount"}, testFallback)
	if !errors.Is(err, ErrNoDateColumn) {
		t.Fatalf("expected ErrNoDateColumn, got %v", err)
	}
}

func TestResolveDateColumn_Deterministic(t *testing.T) {
	sch, _ := GetSchema(models.EntitySalesOrder)
	cols := []string{"created_time", "order_date", "date", "last_modified_time"}

	first, err := ResolveDateColumn(sch, cols, testFallback)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		again, err := ResolveDateColumn(sch, cols, testFallback)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("resolution not deterministic: %s vs %s", first, again)
		}
	}
	if first != "order_date" {
		t.Fatalf("expected order_date, got %s", first)
	}
}
