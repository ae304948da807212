package utils

import (
	"context"
	"testing"
)

func TestContextHelpers_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if _, ok := GetCorrelationIdFromContext(ctx); ok {
		t.Fatal("empty context must not carry a correlation id")
	}
	if _, ok := GetSyncRunIdFromContext(ctx); ok {
		t.Fatal("empty context must not carry a run id")
	}
	if _, ok := GetEntityTypeFromContext(ctx); ok {
		t.Fatal("empty context must not carry an entity type")
	}

	ctx = SetCorrelationIdInContext(ctx, "cid-1")
	ctx = SetSyncRunIdInContext(ctx, 42)
	ctx = SetEntityTypeInContext(ctx, "invoice")

	if cid, ok := GetCorrelationIdFromContext(ctx); !ok || cid != "cid-1" {
		t.Fatalf("correlation id = %q, %v", cid, ok)
	}
	if rid, ok := GetSyncRunIdFromContext(ctx); !ok || rid != 42 {
		t.Fatalf("run id = %d, %v", rid, ok)
	}
	if et, ok := GetEntityTypeFromContext(ctx); !ok || et != "invoice" {
		t.Fatalf("entity type = %q, %v", et, ok)
	}
}
