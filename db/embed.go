// Package db embeds the schema migrations and demo seeds.
package db

import "embed"

// FS holds migrations/*.sql and seeds/*.sql.
//
//go:embed migrations/*.sql seeds/*.sql
var FS embed.FS

const (
	MigrationsDir = "migrations"
	SeedsDir      = "seeds"
)
