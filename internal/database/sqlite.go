package database

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores tables in an embedded SQLite database file.
type SQLiteSink struct {
	sqlSink
}

// NewSQLiteSink opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway database.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		path = "posterflow.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteSink{sqlSink{db: db, dialect: sqliteDialect}}, nil
}

var _ Sink = (*SQLiteSink)(nil)
