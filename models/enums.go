package models

// Entity types covered by the reconciliation pipeline. The set is fixed;
// adding one means adding a canonical schema and mapping tables first.
const (
	EntityInvoice    = "invoice"
	EntityBill       = "bill"
	EntityPayment    = "payment"
	EntitySalesOrder = "sales_order"
)

func AllEntityTypes() []string {
	return []string{EntityInvoice, EntityBill, EntityPayment, EntitySalesOrder}
}

func IsValidEntityType(entityType string) bool {
	for _, e := range AllEntityTypes() {
		if e == entityType {
			return true
		}
	}
	return false
}

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// Error codes recorded on SyncError rows.
const (
	SyncErrorUnmappedColumn          = "unmapped_column"
	SyncErrorMissingNaturalKey       = "missing_natural_key"
	SyncErrorMissingNaturalKeyColumn = "missing_natural_key_column"
	SyncErrorNoDateColumn            = "no_date_column"
	SyncErrorInvalidValue            = "invalid_value"
	SyncErrorFetchFailed             = "fetch_failed"
	SyncErrorLoadFailed              = "load_failed"
	SyncErrorReconcileFailed         = "reconcile_failed"
	SyncErrorStageTimeout            = "stage_timeout"
)
