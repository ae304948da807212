package recon

import (
	"fmt"

	"bitbucket.org/mmdatafocus/recon_backend/models"
)

// SchemaVersion is bumped whenever a canonical field list or mapping table
// changes. Source tables are created from this registry, so a new source
// column is invisible until it is added here. There is no "select *" path.
const SchemaVersion = 2

type Source string

const (
	// SourceBulk is the periodic full export (CSV/XLSX files).
	SourceBulk Source = "bulk"
	// SourceAPI is the incrementally fetched JSON feed. It always wins
	// field-level precedence over the bulk export.
	SourceAPI Source = "api"
)

type FieldKind string

const (
	KindString   FieldKind = "string"
	KindDecimal  FieldKind = "decimal"
	KindDate     FieldKind = "date"
	KindDateTime FieldKind = "datetime"
)

type Field struct {
	Name string
	Kind FieldKind
}

// EntitySchema is the canonical contract for one entity type: the field
// set every source is translated into, the natural key used for joins and
// upserts, and the column that carries real-world document timing.
type EntitySchema struct {
	Entity       string
	NaturalKey   string
	BusinessDate string
	Fields       []Field
}

func (s EntitySchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func (s EntitySchema) FieldKind(name string) (FieldKind, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Kind, true
		}
	}
	return "", false
}

var schemas = map[string]EntitySchema{
	models.EntityInvoice: {
		Entity:       models.EntityInvoice,
		NaturalKey:   "invoice_number",
		BusinessDate: "invoice_date",
		Fields: []Field{
			{"invoice_number", KindString},
			{"invoice_date", KindDate},
			{"due_date", KindDate},
			{"customer_name", KindString},
			{"status", KindString},
			{"currency_code", KindString},
			{"total", KindDecimal},
			{"balance", KindDecimal},
			{"created_time", KindDateTime},
			{"last_modified_time", KindDateTime},
		},
	},
	models.EntityBill: {
		Entity:       models.EntityBill,
		NaturalKey:   "bill_number",
		BusinessDate: "bill_date",
		Fields: []Field{
			{"bill_number", KindString},
			{"bill_date", KindDate},
			{"due_date", KindDate},
			{"vendor_name", KindString},
			{"status", KindString},
			{"currency_code", KindString},
			{"total", KindDecimal},
			{"balance", KindDecimal},
			{"created_time", KindDateTime},
			{"last_modified_time", KindDateTime},
		},
	},
	models.EntityPayment: {
		Entity:       models.EntityPayment,
		NaturalKey:   "payment_number",
		BusinessDate: "payment_date",
		Fields: []Field{
			{"payment_number", KindString},
			{"payment_date", KindDate},
			{"customer_name", KindString},
			{"payment_mode", KindString},
			{"reference_number", KindString},
			{"amount", KindDecimal},
			{"unused_amount", KindDecimal},
			{"created_time", KindDateTime},
			{"last_modified_time", KindDateTime},
		},
	},
	models.EntitySalesOrder: {
		Entity:       models.EntitySalesOrder,
		NaturalKey:   "order_number",
		BusinessDate: "order_date",
		Fields: []Field{
			{"order_number", KindString},
			{"order_date", KindDate},
			{"shipment_date", KindDate},
			{"customer_name", KindString},
			{"status", KindString},
			{"currency_code", KindString},
			{"total", KindDecimal},
			{"created_time", KindDateTime},
			{"last_modified_time", KindDateTime},
		},
	},
}

// columnMappings enumerates every recognized native column per
// (entity, source), full name only. Ambiguous compound names (e.g.
// "SalesOrder Number" vs "Order Number") get their own entries instead of
// a pattern; case-splitting heuristics mis-mapped fields in the past and
// are banned.
var columnMappings = map[string]map[Source]map[string]string{
	models.EntityInvoice: {
		SourceBulk: {
			"Invoice Number":     "invoice_number",
			"Invoice Date":       "invoice_date",
			"Due Date":           "due_date",
			"Customer Name":      "customer_name",
			"Invoice Status":     "status",
			"Currency Code":      "currency_code",
			"Total":              "total",
			"Balance":            "balance",
			"Created Time":       "created_time",
			"Last Modified Time": "last_modified_time",
		},
		SourceAPI: {
			"invoice_number":     "invoice_number",
			"date":               "invoice_date",
			"due_date":           "due_date",
			"customer_name":      "customer_name",
			"status":             "status",
			"currency_code":      "currency_code",
			"total":              "total",
			"balance":            "balance",
			"created_time":       "created_time",
			"last_modified_time": "last_modified_time",
		},
	},
	models.EntityBill: {
		SourceBulk: {
			"Bill Number":        "bill_number",
			"Bill Date":          "bill_date",
			"Due Date":           "due_date",
			"Vendor Name":        "vendor_name",
			"Bill Status":        "status",
			"Currency Code":      "currency_code",
			"Total":              "total",
			"Balance":            "balance",
			"Created Time":       "created_time",
			"Last Modified Time": "last_modified_time",
		},
		SourceAPI: {
			"bill_number":        "bill_number",
			"date":               "bill_date",
			"due_date":           "due_date",
			"vendor_name":        "vendor_name",
			"status":             "status",
			"currency_code":      "currency_code",
			"total":              "total",
			"balance":            "balance",
			"created_time":       "created_time",
			"last_modified_time": "last_modified_time",
		},
	},
	models.EntityPayment: {
		SourceBulk: {
			"Payment Number":     "payment_number",
			"Date":               "payment_date",
			"Customer Name":      "customer_name",
			"Mode":               "payment_mode",
			"Reference Number":   "reference_number",
			"Amount":             "amount",
			"Unused Amount":      "unused_amount",
			"Created Time":       "created_time",
			"Last Modified Time": "last_modified_time",
		},
		SourceAPI: {
			"payment_number":     "payment_number",
			"date":               "payment_date",
			"customer_name":      "customer_name",
			"payment_mode":       "payment_mode",
			"reference_number":   "reference_number",
			"amount":             "amount",
			"unused_amount":      "unused_amount",
			"created_time":       "created_time",
			"last_modified_time": "last_modified_time",
		},
	},
	models.EntitySalesOrder: {
		SourceBulk: {
			// The export ships both a sales-order identifier and a generic
			// order identifier; both are listed in full so neither is guessed.
			"SalesOrder Number":      "order_number",
			"Order Number":           "order_number",
			"Order Date":             "order_date",
			"Expected Shipment Date": "shipment_date",
			"Customer Name":          "customer_name",
			"Order Status":           "status",
			"Currency Code":          "currency_code",
			"Total":                  "total",
			"Created Time":           "created_time",
			"Last Modified Time":     "last_modified_time",
		},
		SourceAPI: {
			"salesorder_number":  "order_number",
			"date":               "order_date",
			"shipment_date":      "shipment_date",
			"customer_name":      "customer_name",
			"status":             "status",
			"currency_code":      "currency_code",
			"total":              "total",
			"created_time":       "created_time",
			"last_modified_time": "last_modified_time",
		},
	},
}

// GetSchema returns the canonical schema for an entity type.
func GetSchema(entityType string) (EntitySchema, error) {
	sch, ok := schemas[entityType]
	if !ok {
		return EntitySchema{}, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return sch, nil
}

// MapColumn translates a native column name into its canonical column for
// one (entity, source) pair. Unmapped columns return ErrUnmappedColumn and
// are dropped by the caller, never renamed by heuristic.
func MapColumn(entityType string, source Source, nativeColumn string) (string, error) {
	bySource, ok := columnMappings[entityType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingMappingTable, entityType)
	}
	mapping, ok := bySource[source]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrMissingMappingTable, entityType, source)
	}
	canonical, ok := mapping[nativeColumn]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s %q", ErrUnmappedColumn, entityType, source, nativeColumn)
	}
	return canonical, nil
}

// SourceTableName names the per-(entity, source) canonical table,
// e.g. invoices_bulk, sales_orders_api.
func SourceTableName(entityType string, source Source) string {
	return pluralize(entityType) + "_" + string(source)
}

// ReconciledViewName names the unified SQL view per entity type.
func ReconciledViewName(entityType string) string {
	return pluralize(entityType) + "_reconciled"
}

func pluralize(entityType string) string {
	return entityType + "s"
}
