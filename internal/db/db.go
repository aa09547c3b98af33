// Package db is the acquisition index: a sqlite file database recording
// completed and in-progress acquisitions and the advisory errors their
// event streams produced.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsEmbed embed.FS

// MigrationsFS returns the embedded migration files, rooted at the
// directory golang-migrate expects.
func MigrationsFS() (fs.FS, error) {
	sub, err := fs.Sub(migrationsEmbed, "migrations")
	if err != nil {
		return nil, fmt.Errorf("embedded migrations: %w", err)
	}
	return sub, nil
}

type DB struct {
	*sql.DB
}

// OpenDB opens (creating if necessary) the sqlite database at path. The
// schema is managed by migrations; call MigrateUp before first use.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// modernc sqlite is one connection per file for writes; serialize
	// access rather than racing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite pragmas: %w", err)
	}

	return &DB{db}, nil
}

// Open opens the database and brings the schema up to date.
func Open(path string) (*DB, error) {
	database, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrations, err := MigrationsFS()
	if err != nil {
		database.Close()
		return nil, err
	}
	if err := database.MigrateUp(migrations); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
