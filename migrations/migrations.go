// Package migrations embeds the SQLite schema migrations. Postgres
// migrations in this directory are read from disk by golang-migrate.
package migrations

import "embed"

// SQLite holds the migrations applied to SQLite databases on open.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
