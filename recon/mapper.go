package recon

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one record in canonical column names. Values are nil,
// string, decimal.Decimal or time.Time depending on the field kind.
type Row map[string]any

// NativeRow is one record as produced by an ingestor adapter, still in the
// source's own column names. CSV adapters produce string values; the JSON
// feed produces strings and json numbers.
type NativeRow map[string]any

// UnmappedReport accumulates the native columns that were dropped for one
// (entity, source) batch. Advisory only; it never blocks ingestion.
type UnmappedReport struct {
	EntityType string         `json:"entity_type"`
	Source     Source         `json:"source"`
	Columns    map[string]int `json:"columns"`
}

func (r *UnmappedReport) add(column string) {
	if r.Columns == nil {
		r.Columns = map[string]int{}
	}
	r.Columns[column]++
}

// ColumnNames returns the dropped columns in stable order.
func (r *UnmappedReport) ColumnNames() []string {
	names := make([]string, 0, len(r.Columns))
	for c := range r.Columns {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// ValueWarning records a native value that could not be normalized into
// its canonical kind; the field is stored as null.
type ValueWarning struct {
	Column  string `json:"column"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// MapRows translates a batch of native rows into canonical rows for one
// (entity, source) pair. Unmapped columns are dropped into the report;
// unparseable values become null with a warning.
func MapRows(sch EntitySchema, source Source, native []NativeRow) ([]Row, *UnmappedReport, []ValueWarning, error) {
	report := &UnmappedReport{EntityType: sch.Entity, Source: source}
	var warnings []ValueWarning

	rows := make([]Row, 0, len(native))
	for _, nr := range native {
		row := Row{}
		for nativeCol, raw := range nr {
			canonical, err := MapColumn(sch.Entity, source, nativeCol)
			if err != nil {
				if errors.Is(err, ErrUnmappedColumn) {
					report.add(nativeCol)
					continue
				}
				return nil, report, warnings, err
			}
			kind, ok := sch.FieldKind(canonical)
			if !ok {
				// Mapping points at a field the schema no longer carries;
				// treat like an unmapped column rather than guessing.
				report.add(nativeCol)
				continue
			}
			val, convErr := normalizeValue(raw, kind)
			if convErr != nil {
				warnings = append(warnings, ValueWarning{
					Column:  canonical,
					Value:   fmt.Sprint(raw),
					Message: convErr.Error(),
				})
				val = nil
			}
			row[canonical] = val
		}
		rows = append(rows, row)
	}
	return rows, report, warnings, nil
}

// Layouts accepted for date/datetime values across both sources.
var (
	dateLayouts = []string{"2006-01-02", "02/01/2006", "2006/01/02"}
	timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}
)

func normalizeValue(raw any, kind FieldKind) (any, error) {
	if raw == nil {
		return nil, nil
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return nil, nil
	}

	switch kind {
	case KindString:
		return s, nil
	case KindDecimal:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("not a decimal: %q", s)
		}
		return d, nil
	case KindDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		// Some feeds send datetimes in date fields; accept and truncate.
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Truncate(24 * time.Hour), nil
			}
		}
		return nil, fmt.Errorf("not a date: %q", s)
	case KindDateTime:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("not a datetime: %q", s)
	default:
		return nil, fmt.Errorf("unknown field kind %q", kind)
	}
}

// NaturalKeyValue extracts the row's natural key as a string, empty when
// missing or null.
func NaturalKeyValue(sch EntitySchema, row Row) string {
	v, ok := row[sch.NaturalKey]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return strings.TrimSpace(s)
}
