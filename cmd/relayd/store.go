package main

import (
	"strings"

	"gorm.io/gorm"

	"github.com/ALLiDoizCode/nostream-ilp-sub003/store"
)

// openEventStore picks the Postgres or embedded SQLite driver based on the
// shape of dsn: a URL scheme or libpq key=value string means Postgres,
// anything else is treated as a SQLite file path.
func openEventStore(dsn string) (*gorm.DB, error) {
	if looksLikePostgres(dsn) {
		return store.OpenPostgres(dsn)
	}
	return store.OpenSQLite(dsn)
}

func looksLikePostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=")
}
