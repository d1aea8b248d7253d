package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/esgflow/esgflow-sdk/modules/assignments/domain/assignment"
)

const (
	colFieldID    = "Field ID"
	colEntityName = "Entity Name"
	colFrequency  = "Frequency"
	colStartDate  = "Start Date"
	colEndDate    = "End Date"
	colReason     = "Reason"

	colEntityID = "Entity ID"
)

var (
	importRequired = []string{colFieldID, colEntityName, colFrequency}
	importAllowed  = []string{colFieldID, colEntityName, colFrequency, colStartDate, colEndDate, colReason}
)

type importRow struct {
	FieldID    string `validate:"required"`
	EntityName string `validate:"required"`
	Frequency  string `validate:"required"`
	StartDate  string
	EndDate    string
	Reason     string
}

// ImportOptions controls an import run. The zero value is a dry run without
// an entity map.
type ImportOptions struct {
	// Apply executes the planned creates. Off by default: an import is a
	// plan until explicitly applied.
	Apply bool
	// Entities maps entity names to ids. Names without a mapping are passed
	// through as the id.
	Entities map[string]string
}

// PlannedCreate is one create the import would (or did) perform. An "Entity
// Name" cell holding a comma-separated list plans one create per entity.
type PlannedCreate struct {
	Line     int
	Input    CreateAssignmentInput
	Created  *assignment.Version
	Applied  bool
	ApplyErr error
}

type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ImportReport summarizes an import run. Row failures are collected, not
// fatal: a bad line never blocks the lines after it.
type ImportReport struct {
	Rows    int
	Planned []PlannedCreate
	Errors  []RowError
	Created int
}

// ImportService turns assignment CSVs into version creates through the
// versioning service.
type ImportService struct {
	versioning *VersioningService
	log        *logrus.Logger
	validate   *validator.Validate
}

func NewImportService(versioning *VersioningService, log *logrus.Logger) *ImportService {
	return &ImportService{versioning: versioning, log: log, validate: validator.New()}
}

// LoadEntityMap reads a name-to-id mapping CSV with columns "Entity Name"
// and "Entity ID".
func LoadEntityMap(path string) (map[string]string, error) {
	r, closeFn, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeFn() }()

	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if err := requireHeader(header, []string{colEntityName, colEntityID}, []string{colEntityName, colEntityID}); err != nil {
		return nil, err
	}
	idx := headerIndex(header)

	entities := make(map[string]string)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := cell(record, idx, colEntityName)
		id := cell(record, idx, colEntityID)
		if name == "" || id == "" {
			continue
		}
		entities[name] = id
	}
	return entities, nil
}

// ImportFile runs an import from a CSV file on disk.
func (s *ImportService) ImportFile(ctx context.Context, path string, opts ImportOptions) (*ImportReport, error) {
	r, closeFn, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeFn() }()
	return s.importReader(ctx, r, opts)
}

// Import runs an import from an already-open CSV stream.
func (s *ImportService) Import(ctx context.Context, src io.Reader, opts ImportOptions) (*ImportReport, error) {
	return s.importReader(ctx, newCSVReader(src), opts)
}

func (s *ImportService) importReader(ctx context.Context, r *csv.Reader, opts ImportOptions) (*ImportReport, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if err := requireHeader(header, importRequired, importAllowed); err != nil {
		return nil, err
	}
	idx := headerIndex(header)

	report := &ImportReport{}
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			report.Errors = append(report.Errors, RowError{Line: line, Err: err})
			continue
		}
		report.Rows++

		row := importRow{
			FieldID:    cell(record, idx, colFieldID),
			EntityName: cell(record, idx, colEntityName),
			Frequency:  cell(record, idx, colFrequency),
			StartDate:  cell(record, idx, colStartDate),
			EndDate:    cell(record, idx, colEndDate),
			Reason:     cell(record, idx, colReason),
		}
		inputs, err := s.planRow(row, opts.Entities)
		if err != nil {
			report.Errors = append(report.Errors, RowError{Line: line, Err: err})
			continue
		}

		for _, in := range inputs {
			planned := PlannedCreate{Line: line, Input: in}
			if opts.Apply {
				created, err := s.versioning.CreateAssignmentVersion(ctx, in)
				planned.Applied = err == nil
				planned.Created = created
				planned.ApplyErr = err
				if err != nil {
					report.Errors = append(report.Errors, RowError{Line: line, Err: err})
				} else {
					report.Created++
				}
			}
			report.Planned = append(report.Planned, planned)
		}
	}

	s.log.WithFields(logrus.Fields{
		"rows":    report.Rows,
		"planned": len(report.Planned),
		"created": report.Created,
		"errors":  len(report.Errors),
	}).Info("assignment import finished")
	return report, nil
}

// planRow expands one CSV row into creates. The "Entity Name" cell may hold
// a comma-separated list ("HQ, Plant A"); each entry yields its own create.
func (s *ImportService) planRow(row importRow, entities map[string]string) ([]CreateAssignmentInput, error) {
	if err := s.validate.Struct(row); err != nil {
		return nil, fmt.Errorf("field id, entity name and frequency are required")
	}
	freq, err := assignment.ParseFrequency(row.Frequency)
	if err != nil {
		return nil, err
	}
	start, err := assignment.ParseDate(row.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := assignment.ParseDate(row.EndDate)
	if err != nil {
		return nil, err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, fmt.Errorf("end date %s precedes start date %s", end, start)
	}

	var inputs []CreateAssignmentInput
	for _, name := range strings.Split(row.EntityName, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		entityID := name
		if id, ok := entities[name]; ok {
			entityID = id
		}
		inputs = append(inputs, CreateAssignmentInput{
			FieldID:   row.FieldID,
			EntityID:  entityID,
			Frequency: freq,
			StartDate: start,
			EndDate:   end,
			Reason:    row.Reason,
		})
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("entity name cell is empty")
	}
	return inputs, nil
}
