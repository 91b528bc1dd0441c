package db

import "embed"

// SQLiteMigrations holds the goose migrations for the SQLite metadata store.
//
//go:embed migrations/*.sql
var SQLiteMigrations embed.FS
