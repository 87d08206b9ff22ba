package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tejusbharadwaj/posterflow/internal/models"
)

// insertBatchSize bounds the rows per multi-row INSERT.
const insertBatchSize = 500

// MySQLSink stores tables in MySQL through GORM. Tables are created on
// demand with LONGTEXT columns.
type MySQLSink struct {
	db *gorm.DB
}

// NewMySQLSink connects with a DSN such as
// "user:pass@tcp(host:3306)/posterflow?charset=utf8mb4".
func NewMySQLSink(dsn string) (*MySQLSink, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &MySQLSink{db: db}, nil
}

func quoteMySQL(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func (s *MySQLSink) Overwrite(ctx context.Context, name string, t models.Table) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Migrator().DropTable(name); err != nil {
			return fmt.Errorf("failed to drop %s: %w", name, err)
		}
		if len(t.Columns) == 0 {
			return nil
		}
		if err := createMySQLTable(tx, name, t.Columns); err != nil {
			return err
		}
		return insertMySQL(tx, name, t)
	})
}

func (s *MySQLSink) AppendDedup(ctx context.Context, name string, t models.Table, idColumn string) (int, error) {
	if t.ColumnIndex(idColumn) < 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingIDColumn, idColumn)
	}

	// MySQL DDL commits implicitly, so the schema is settled before the
	// data transaction starts.
	db := s.db.WithContext(ctx)
	if !db.Migrator().HasTable(name) {
		if err := createMySQLTable(db, name, t.Columns); err != nil {
			return 0, err
		}
	} else {
		for _, c := range t.Columns {
			if db.Migrator().HasColumn(name, c) {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s LONGTEXT", quoteMySQL(name), quoteMySQL(c))
			if err := db.Exec(stmt).Error; err != nil {
				return 0, fmt.Errorf("failed to add column %s.%s: %w", name, c, err)
			}
		}
	}

	var added int
	err := db.Transaction(func(tx *gorm.DB) error {
		var ids []sql.NullString
		if err := tx.Table(name).Pluck(idColumn, &ids).Error; err != nil {
			return fmt.Errorf("failed to read ids of %s: %w", name, err)
		}
		existing := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			existing[id.String] = struct{}{}
		}

		fresh, err := filterNew(t, idColumn, existing)
		if err != nil {
			return err
		}
		added = fresh.Len()
		return insertMySQL(tx, name, fresh)
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (s *MySQLSink) Read(ctx context.Context, name string) (models.Table, error) {
	db := s.db.WithContext(ctx)
	if !db.Migrator().HasTable(name) {
		return models.Table{}, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	rows, err := db.Table(name).Rows()
	if err != nil {
		return models.Table{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	defer rows.Close()

	return scanTable(rows)
}

func (s *MySQLSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func createMySQLTable(db *gorm.DB, name string, cols []string) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteMySQL(c) + " LONGTEXT"
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) DEFAULT CHARSET=utf8mb4", quoteMySQL(name), strings.Join(defs, ", "))
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	return nil
}

func insertMySQL(db *gorm.DB, name string, t models.Table) error {
	if t.Len() == 0 {
		return nil
	}

	batch := make([]map[string]interface{}, 0, t.Len())
	for _, row := range t.Rows {
		rec := make(map[string]interface{}, len(t.Columns))
		for i, c := range t.Columns {
			rec[c] = ""
			if i < len(row) {
				rec[c] = row[i]
			}
		}
		batch = append(batch, rec)
	}

	if err := db.Table(name).CreateInBatches(batch, insertBatchSize).Error; err != nil {
		return fmt.Errorf("failed to insert into %s: %w", name, err)
	}
	return nil
}

var _ Sink = (*MySQLSink)(nil)
