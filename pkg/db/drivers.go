package db

import (
	_ "github.com/jackc/pgx/v5/stdlib" // "pgx"
	_ "github.com/lib/pq"              // "postgres"
	_ "github.com/mattn/go-sqlite3"    // "sqlite3", needs cgo
	_ "modernc.org/sqlite"             // "sqlite", pure Go
)

// postgresDriver reports whether the driver expects $n placeholders.
func postgresDriver(name string) bool {
	return name == "pgx" || name == "postgres"
}
