// Package db provides embedded database schema and migration files.
package db

import _ "embed"

// WriteSchema contains the DDL for the authoritative order tables owned by
// the command side.
//
//go:embed migrations/001_write_schema.sql
var WriteSchema string

// ReadSchema contains the PostgreSQL DDL for the projected read model.
//
//go:embed migrations/002_read_schema.sql
var ReadSchema string

// SQLiteReadSchema contains the SQLite DDL for the projected read model.
// Amounts are stored as decimal text and timestamps as Unix nanoseconds.
//
//go:embed migrations/003_read_schema_sqlite.sql
var SQLiteReadSchema string
