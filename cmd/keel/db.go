package main

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// openDB opens the shared store. A postgres:// URL uses the Postgres
// driver; anything else is treated as a SQLite database path.
func openDB(databaseURL string) (*sql.DB, error) {
	driver := "sqlite"
	dsn := databaseURL
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "postgres"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer at a time; the ledger serializes on its indexes anyway.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}
