package services

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
)

const exportSheet = "Assignments"

var exportHeader = []string{
	"Series ID", "Version", "Status", "Field ID", "Entity ID",
	"Frequency", "Start Date", "End Date", "Reason",
}

// ExportService writes assignment version history to Excel workbooks.
type ExportService struct {
	versioning *VersioningService
	log        *logrus.Logger
}

func NewExportService(versioning *VersioningService, log *logrus.Logger) *ExportService {
	return &ExportService{versioning: versioning, log: log}
}

// ExportSeriesHistory renders the full history of the given series, oldest
// version first within each series, as a single-sheet xlsx workbook.
func (s *ExportService) ExportSeriesHistory(ctx context.Context, seriesIDs []uuid.UUID) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("drop default sheet: %w", err)
	}

	if err := writeRow(f, 1, headerCells()); err != nil {
		return nil, err
	}

	row := 2
	for _, seriesID := range seriesIDs {
		versions, err := s.versioning.GetVersionHistory(ctx, seriesID)
		if err != nil {
			return nil, err
		}
		for i := range versions {
			if err := writeRow(f, row, versionCells(&versions[i])); err != nil {
				return nil, err
			}
			row++
		}
	}

	if err := f.SetColWidth(exportSheet, "A", "A", 38); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"series": len(seriesIDs),
		"rows":   row - 2,
	}).Info("assignment history exported")
	return buf.Bytes(), nil
}

// ExportSeriesHistoryToFile writes the workbook to disk.
func (s *ExportService) ExportSeriesHistoryToFile(ctx context.Context, seriesIDs []uuid.UUID, path string) error {
	data, err := s.ExportSeriesHistory(ctx, seriesIDs)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func headerCells() []any {
	cells := make([]any, len(exportHeader))
	for i, h := range exportHeader {
		cells[i] = h
	}
	return cells
}

func versionCells(v *assignment.Version) []any {
	return []any{
		v.SeriesID.String(),
		v.SeriesVersion,
		string(v.SeriesStatus),
		v.FieldID,
		v.EntityID,
		string(v.Frequency),
		v.StartDate.String(),
		v.EndDate.String(),
		v.Reason,
	}
}

func writeRow(f *excelize.File, row int, cells []any) error {
	for col, value := range cells {
		name, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetCellValue(exportSheet, name, value); err != nil {
			return fmt.Errorf("set cell %s: %w", name, err)
		}
	}
	return nil
}
