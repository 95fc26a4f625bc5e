// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// AutoTimestamp is the column type used for timestamps.
func AutoTimestamp(driver string) string {
	if IsPostgres(driver) {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}
