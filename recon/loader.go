package recon

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// SourceTagColumn tags every stored row with the source that produced it.
const SourceTagColumn = "source_tag"

const upsertBatchSize = 200

// LoadRejection is one row refused by the loader. The batch continues;
// keys are never generated for keyless rows.
type LoadRejection struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

type LoadResult struct {
	Loaded   int             `json:"loaded"`
	Rejected []LoadRejection `json:"rejected,omitempty"`
}

// Upsert writes canonical rows into a source table with
// INSERT .. ON DUPLICATE KEY UPDATE keyed by the natural-key unique index.
// Reloading the same batch leaves the row count unchanged and the stored
// values equal to the last load.
func Upsert(ctx context.Context, db *gorm.DB, sch EntitySchema, source Source, rows []Row) (LoadResult, error) {
	result := LoadResult{}
	table := SourceTableName(sch.Entity, source)

	accepted := make([]Row, 0, len(rows))
	for i, row := range rows {
		if NaturalKeyValue(sch, row) == "" {
			result.Rejected = append(result.Rejected, LoadRejection{
				Index:   i,
				Message: fmt.Sprintf("row missing natural key %q", sch.NaturalKey),
			})
			continue
		}
		accepted = append(accepted, row)
	}
	if len(accepted) == 0 {
		return result, nil
	}

	cols := sch.FieldNames()

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(accepted); start += upsertBatchSize {
			end := start + upsertBatchSize
			if end > len(accepted) {
				end = len(accepted)
			}
			batch := accepted[start:end]

			sql := buildUpsertSQL(table, cols, sch.NaturalKey, len(batch))
			args := make([]any, 0, len(batch)*(len(cols)+1))
			for _, row := range batch {
				for _, c := range cols {
					args = append(args, row[c])
				}
				args = append(args, string(source))
			}
			if err := tx.Exec(sql, args...).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("upsert into %s: %w", table, err)
	}

	result.Loaded = len(accepted)
	return result, nil
}

// buildUpsertSQL renders the duplicate-safe insert for a batch. Every
// column except the natural key is overwritten on conflict (last write
// wins at row granularity).
func buildUpsertSQL(table string, cols []string, naturalKey string, rowCount int) string {
	allCols := append(append([]string{}, cols...), SourceTagColumn)

	quoted := make([]string, len(allCols))
	for i, c := range allCols {
		quoted[i] = "`" + c + "`"
	}

	placeholderRow := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(allCols)), ", ") + ")"
	placeholders := make([]string, rowCount)
	for i := range placeholders {
		placeholders[i] = placeholderRow
	}

	var updates []string
	for _, c := range allCols {
		if c == naturalKey {
			continue
		}
		updates = append(updates, fmt.Sprintf("`%s` = VALUES(`%s`)", c, c))
	}

	return fmt.Sprintf(
		"INSERT INTO `%s` (%s) VALUES %s ON DUPLICATE KEY UPDATE %s",
		table,
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}
