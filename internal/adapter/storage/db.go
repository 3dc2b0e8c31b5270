// Package storage opens and migrates the relational index: a SQLite
// database holding the searchable projection of every memory record,
// with the record's content itself kept in a paired Markdown file
// (see internal/repository).
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"memsub/internal/domain"
)

// Open opens (or creates) a SQLite database at path, applies pragmas for
// single-writer WAL operation, and migrates it to the latest schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.NewDomainError("storage.Open", domain.ErrRepositoryDB, fmt.Sprintf("open %q: %v", path, err))
	}

	// A single connection keeps SQLite's single-writer constraint from
	// surfacing as SQLITE_BUSY under concurrent callers; WAL still allows
	// concurrent readers against the one writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, domain.NewDomainError("storage.Open", domain.ErrRepositoryDB, "pragma: "+err.Error())
		}
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, domain.NewDomainError("storage.Open", domain.ErrRepositoryDB, "migrate: "+err.Error())
	}

	return db, nil
}
