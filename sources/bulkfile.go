// Package sources holds the ingestor adapters. They deliver rows in the
// source's native column names; translation into the canonical schema is
// the engine's job, never the adapter's.
package sources

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/recon"
	"github.com/xuri/excelize/v2"
)

// BulkFileSource reads the periodic bulk export dropped into a directory
// by the export collaborator: <entity>s.csv or <entity>s.xlsx, first row
// is the header. CSV wins when both exist.
type BulkFileSource struct {
	Dir string
}

func NewBulkFileSource(cfg config.ReconConfig) *BulkFileSource {
	return &BulkFileSource{Dir: cfg.BulkExportDir}
}

func (s *BulkFileSource) FetchBulk(ctx context.Context, entityType string) ([]recon.NativeRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	csvPath := filepath.Join(s.Dir, entityType+"s.csv")
	if _, err := os.Stat(csvPath); err == nil {
		return readCSV(csvPath)
	}

	xlsxPath := filepath.Join(s.Dir, entityType+"s.xlsx")
	if _, err := os.Stat(xlsxPath); err == nil {
		return readXLSX(xlsxPath)
	}

	return nil, fmt.Errorf("no bulk export file for %s under %s", entityType, s.Dir)
}

func readCSV(path string) ([]recon.NativeRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]recon.NativeRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := recon.NativeRow{}
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readXLSX(path string) ([]recon.NativeRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]recon.NativeRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := recon.NativeRow{}
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
