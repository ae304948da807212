package recon

import "fmt"

// ResolveDateColumn picks the column that best represents real-world
// document timing for an entity, out of the columns actually available.
//
// Priority, first match wins:
//  1. the entity-specific business date (invoice_date, bill_date, ...)
//  2. a generic "date" column
//  3. system/audit timestamps in the configured fallback order
//
// System timestamps reflect sync activity, not business activity, so they
// never outrank an available business date even though they are always
// populated. Resolution is pure: same inputs, same answer.
func ResolveDateColumn(sch EntitySchema, availableColumns []string, fallbackOrder []string) (string, error) {
	available := map[string]bool{}
	for _, c := range availableColumns {
		available[c] = true
	}

	if sch.BusinessDate != "" && available[sch.BusinessDate] {
		return sch.BusinessDate, nil
	}
	if available["date"] {
		return "date", nil
	}
	for _, c := range fallbackOrder {
		if available[c] {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: entity=%s", ErrNoDateColumn, sch.Entity)
}
