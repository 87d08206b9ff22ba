package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	name        string
	placeholder func(n int) string
	tableExists string
}

var (
	postgresDialect = dialect{
		name:        "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		tableExists: `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`,
	}
	sqliteDialect = dialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
		tableExists: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
	}
)

// sqlSink implements Sink over database/sql with every column typed TEXT.
type sqlSink struct {
	db      *sql.DB
	dialect dialect
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (s *sqlSink) Overwrite(ctx context.Context, name string, t models.Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // rollback if not committed

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}
	if len(t.Columns) > 0 {
		if err := s.create(ctx, tx, name, t.Columns); err != nil {
			return err
		}
		if err := s.insert(ctx, tx, name, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqlSink) AppendDedup(ctx context.Context, name string, t models.Table, idColumn string) (int, error) {
	if t.ColumnIndex(idColumn) < 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingIDColumn, idColumn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // rollback if not committed

	if err := s.create(ctx, tx, name, t.Columns); err != nil {
		return 0, err
	}
	have, err := s.columns(ctx, tx, name)
	if err != nil {
		return 0, err
	}
	for _, c := range missingColumns(have, t.Columns) {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", quoteIdent(name), quoteIdent(c))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("failed to add column %s.%s: %w", name, c, err)
		}
	}

	existing, err := s.ids(ctx, tx, name, idColumn)
	if err != nil {
		return 0, err
	}
	fresh, err := filterNew(t, idColumn, existing)
	if err != nil {
		return 0, err
	}
	if err := s.insert(ctx, tx, name, fresh); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return fresh.Len(), nil
}

func (s *sqlSink) Read(ctx context.Context, name string) (models.Table, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.tableExists, name).Scan(&n); err != nil {
		return models.Table{}, fmt.Errorf("failed to look up %s: %w", name, err)
	}
	if n == 0 {
		return models.Table{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(name))
	if err != nil {
		return models.Table{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	defer rows.Close()

	return scanTable(rows)
}

func (s *sqlSink) Close() error {
	return s.db.Close()
}

func (s *sqlSink) create(ctx context.Context, tx *sql.Tx, name string, cols []string) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c) + " TEXT"
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	return nil
}

func (s *sqlSink) columns(ctx context.Context, tx *sql.Tx, name string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s: %w", name, err)
	}
	defer rows.Close()
	return rows.Columns()
}

func (s *sqlSink) ids(ctx context.Context, tx *sql.Tx, name, idColumn string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", quoteIdent(idColumn), quoteIdent(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to read ids of %s: %w", name, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id.String] = struct{}{}
	}
	return ids, rows.Err()
}

func (s *sqlSink) insert(ctx context.Context, tx *sql.Tx, name string, t models.Table) error {
	if t.Len() == 0 {
		return nil
	}

	cols := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = quoteIdent(c)
		marks[i] = s.dialect.placeholder(i + 1)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(name), strings.Join(cols, ", "), strings.Join(marks, ", "),
	))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	args := make([]interface{}, len(t.Columns))
	for _, row := range t.Rows {
		for i := range args {
			args[i] = ""
			if i < len(row) {
				args[i] = row[i]
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", name, err)
		}
	}
	return nil
}

// scanTable reads every row as text. NULL cells, from columns added after
// the row was written, become empty strings.
func scanTable(rows *sql.Rows) (models.Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return models.Table{}, err
	}

	t := models.Table{Columns: cols, Rows: [][]string{}}
	cells := make([]sql.NullString, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range cells {
		dest[i] = &cells[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return models.Table{}, err
		}
		row := make([]string, len(cols))
		for i, c := range cells {
			row[i] = c.String
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}
