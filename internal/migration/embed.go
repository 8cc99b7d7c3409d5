package migration

import "embed"

//go:embed sql/postgres/*.sql
var embeddedMigrations embed.FS

//go:embed sql/sqlite/schema.sql
var sqliteSchema string

const migrationsDir = "sql/postgres"
