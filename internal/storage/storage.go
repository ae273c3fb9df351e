// Package storage owns the SQLite file shared by the device registry and
// the scheduler job store. Single writer process; other tooling may read
// the file but must not write it.
package storage

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/NotCoffee418/dbmigrator"

	_ "modernc.org/sqlite"
)

// Files must follow the migrator's NNNN_name.sql naming; anything else
// is silently skipped.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (creating if needed) the database and applies pending
// migrations before returning the handle.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between the registry and the job store.
	db.SetMaxOpenConns(1)

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(db, migrationFS, "migrations")

	return db, nil
}
