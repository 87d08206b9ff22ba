package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

const (
	// defaultSheet is the sheet excelize creates in a new workbook.
	defaultSheet = "Sheet1"
	scratchSheet = "posterflow_scratch"
)

// sheetNames maps sink tables to the tab titles of the dashboard workbook.
var sheetNames = map[string]string{
	"transactions": "Transactions",
	"products":     "Menu",
	"categories":   "Categories",
}

// SheetName returns the workbook tab that holds table name.
func SheetName(name string) string {
	if s, ok := sheetNames[name]; ok {
		return s
	}
	if len(name) > 31 {
		return name[:31]
	}
	return name
}

// ExcelSink stores each table as a tab of one .xlsx workbook. The first row
// of a tab is the header. The workbook is saved after every write.
type ExcelSink struct {
	mu   sync.Mutex
	path string
	file *excelize.File
}

// NewExcelSink opens the workbook at path, or starts a new one.
func NewExcelSink(path string) (*ExcelSink, error) {
	if path == "" {
		path = "posterflow.xlsx"
	}

	f, err := excelize.OpenFile(path)
	if errors.Is(err, os.ErrNotExist) {
		f = excelize.NewFile()
	} else if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}

	return &ExcelSink{path: path, file: f}, nil
}

func (s *ExcelSink) Overwrite(_ context.Context, name string, t models.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sheet := SheetName(name)
	if err := s.resetSheet(sheet); err != nil {
		return err
	}
	s.dropDefaultSheet(sheet)

	if err := s.writeRow(sheet, 1, t.Columns); err != nil {
		return err
	}
	for i, row := range t.Rows {
		if err := s.writeRow(sheet, i+2, row); err != nil {
			return err
		}
	}
	return s.save()
}

func (s *ExcelSink) AppendDedup(_ context.Context, name string, t models.Table, idColumn string) (int, error) {
	if t.ColumnIndex(idColumn) < 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingIDColumn, idColumn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sheet := SheetName(name)
	stored, err := s.readSheet(sheet)
	if errors.Is(err, ErrTableNotFound) {
		if _, err := s.file.NewSheet(sheet); err != nil {
			return 0, fmt.Errorf("failed to create tab %s: %w", sheet, err)
		}
		s.dropDefaultSheet(sheet)
	} else if err != nil {
		return 0, err
	}

	header := append(append([]string{}, stored.Columns...), missingColumns(stored.Columns, t.Columns)...)
	if len(header) != len(stored.Columns) {
		if err := s.writeRow(sheet, 1, header); err != nil {
			return 0, err
		}
	}

	existing := make(map[string]struct{}, stored.Len())
	if idx := stored.ColumnIndex(idColumn); idx >= 0 {
		for _, row := range stored.Rows {
			existing[row[idx]] = struct{}{}
		}
	}
	fresh, err := filterNew(t, idColumn, existing)
	if err != nil {
		return 0, err
	}

	next := stored.Len() + 2
	for _, row := range fresh.Rows {
		out := make([]string, len(header))
		for i, c := range fresh.Columns {
			if pos := indexOf(header, c); pos >= 0 && i < len(row) {
				out[pos] = row[i]
			}
		}
		if err := s.writeRow(sheet, next, out); err != nil {
			return 0, err
		}
		next++
	}

	if err := s.save(); err != nil {
		return 0, err
	}
	return fresh.Len(), nil
}

func (s *ExcelSink) Read(_ context.Context, name string) (models.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSheet(SheetName(name))
}

func (s *ExcelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// resetSheet leaves an empty tab named sheet. excelize refuses to delete the
// last sheet of a workbook, so the old tab is swapped for a fresh one.
func (s *ExcelSink) resetSheet(sheet string) error {
	if idx, _ := s.file.GetSheetIndex(sheet); idx < 0 {
		if _, err := s.file.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create tab %s: %w", sheet, err)
		}
		return nil
	}

	if _, err := s.file.NewSheet(scratchSheet); err != nil {
		return fmt.Errorf("failed to create tab %s: %w", sheet, err)
	}
	if err := s.file.DeleteSheet(sheet); err != nil {
		return fmt.Errorf("failed to clear tab %s: %w", sheet, err)
	}
	if err := s.file.SetSheetName(scratchSheet, sheet); err != nil {
		return fmt.Errorf("failed to rename tab %s: %w", sheet, err)
	}
	return nil
}

// readSheet returns the tab as a table, padding rows that excelize trimmed
// of trailing empty cells.
func (s *ExcelSink) readSheet(sheet string) (models.Table, error) {
	if idx, _ := s.file.GetSheetIndex(sheet); idx < 0 {
		return models.Table{}, fmt.Errorf("%w: %s", ErrTableNotFound, sheet)
	}

	rows, err := s.file.GetRows(sheet)
	if err != nil {
		return models.Table{}, fmt.Errorf("failed to read tab %s: %w", sheet, err)
	}

	t := models.Table{Rows: [][]string{}}
	if len(rows) == 0 {
		return t, nil
	}
	t.Columns = rows[0]
	for _, r := range rows[1:] {
		row := make([]string, len(t.Columns))
		copy(row, r)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func (s *ExcelSink) writeRow(sheet string, n int, cells []string) error {
	if len(cells) == 0 {
		return nil
	}
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	values := make([]interface{}, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	if err := s.file.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d of %s: %w", n, sheet, err)
	}
	return nil
}

// dropDefaultSheet removes the placeholder sheet of a new workbook once a
// real tab exists.
func (s *ExcelSink) dropDefaultSheet(keep string) {
	if keep == defaultSheet {
		return
	}
	if idx, _ := s.file.GetSheetIndex(defaultSheet); idx < 0 {
		return
	}
	if rows, err := s.file.GetRows(defaultSheet); err == nil && len(rows) == 0 {
		_ = s.file.DeleteSheet(defaultSheet)
	}
}

func (s *ExcelSink) save() error {
	if err := s.file.SaveAs(s.path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", s.path, err)
	}
	return nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

var _ Sink = (*ExcelSink)(nil)
