package recon

import "errors"

var (
	// ErrUnknownEntityType: the entity is not in the canonical registry.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrMissingMappingTable: no mapping table exists for the
	// (entity, source) pair. Configuration error, fatal for that entity.
	ErrMissingMappingTable = errors.New("missing mapping table")

	// ErrUnmappedColumn: a native column has no canonical mapping.
	// Recoverable; the column is dropped and reported.
	ErrUnmappedColumn = errors.New("unmapped column")

	// ErrMissingNaturalKeyColumn: the natural-key column is absent from a
	// table's schema. Fatal for that entity's reconciliation; silently
	// skipping this once cost a full table.
	ErrMissingNaturalKeyColumn = errors.New("natural key column missing from table schema")

	// ErrNoDateColumn: no business-date or fallback timestamp column is
	// available; freshness degrades to unknown.
	ErrNoDateColumn = errors.New("no usable date column")
)
