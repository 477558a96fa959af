package db

import "embed"

// MigrationsFS holds the schema migrations applied by RunMigrate.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
