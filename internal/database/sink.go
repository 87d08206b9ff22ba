//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/sink.go -package=mocks . Sink

// Package database implements the tabular storage sinks the sync writes to.
//
// Every sink stores rectangular text tables. Nested values are JSON encoded
// on write by EncodeCell and parsed back on read by DecodeCell, so a sink
// can be a relational table or a spreadsheet tab without the callers
// knowing which.
//
// Example usage:
//
//	sink, err := database.Open(database.Options{Driver: "sqlite", DSN: "posterflow.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sink.Close()
//
//	added, err := sink.AppendDedup(ctx, "transactions", table, "transaction_id")
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

var (
	// ErrTableNotFound is returned by Read for a table that was never written.
	ErrTableNotFound = errors.New("table not found")
	// ErrMissingIDColumn is returned by AppendDedup when the batch lacks the id column.
	ErrMissingIDColumn = errors.New("id column missing from batch")
	ErrUnknownDriver   = errors.New("unknown storage driver")
)

// Sink defines the storage operations of the sync.
//
// Writes are per table and not transactional across tables: a failure
// writing one table leaves previously written tables in place.
type Sink interface {
	// Overwrite clears the table and writes t in its place.
	Overwrite(ctx context.Context, name string, t models.Table) error

	// AppendDedup appends the rows of t whose idColumn value is not already
	// stored, and is not repeated earlier in the batch. Columns missing from
	// the stored table are added. Returns the number of rows appended.
	AppendDedup(ctx context.Context, name string, t models.Table, idColumn string) (int, error)

	// Read returns the stored table with every cell as text.
	Read(ctx context.Context, name string) (models.Table, error)

	// Close releases any resources held by the sink.
	Close() error
}

// Options selects and configures a sink.
type Options struct {
	// Driver is one of postgres, sqlite, mysql or excel.
	Driver string
	// DSN is the connection string, or the database file for sqlite.
	DSN string
	// Workbook is the .xlsx path for the excel driver.
	Workbook string
}

// Open returns the sink selected by opts.Driver.
func Open(opts Options) (Sink, error) {
	switch strings.ToLower(opts.Driver) {
	case "postgres", "postgresql":
		return NewPostgresSink(opts.DSN)
	case "sqlite", "":
		return NewSQLiteSink(opts.DSN)
	case "mysql":
		return NewMySQLSink(opts.DSN)
	case "excel", "xlsx":
		return NewExcelSink(opts.Workbook)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, opts.Driver)
	}
}

// filterNew drops rows whose id is in existing or already seen in the batch.
func filterNew(t models.Table, idColumn string, existing map[string]struct{}) (models.Table, error) {
	idx := t.ColumnIndex(idColumn)
	if idx < 0 {
		return models.Table{}, fmt.Errorf("%w: %s", ErrMissingIDColumn, idColumn)
	}

	seen := make(map[string]struct{}, len(existing)+len(t.Rows))
	for id := range existing {
		seen[id] = struct{}{}
	}

	out := models.Table{Columns: t.Columns}
	for _, row := range t.Rows {
		id := ""
		if idx < len(row) {
			id = row[idx]
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// missingColumns returns the columns of want that are not in have, in order.
func missingColumns(have, want []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	var missing []string
	for _, c := range want {
		if _, ok := set[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
