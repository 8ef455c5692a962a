package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresStore opens a Postgres-backed store and creates the tables if
// they don't exist.
func NewPostgresStore(connStr string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := newSQLStore(db, postgresDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
