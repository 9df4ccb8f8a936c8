package store

import "embed"

// MigrationsFS embeds the goose migrations that create the loader and
// execution_lock tables this package owns, the signal_record table the
// sink writes, and the source_database table it depends on as a read-only
// collaborator (source_database rows are written by the external CRUD
// service, not this engine).
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// MigrationsDir is the directory within MigrationsFS goose reads from.
const MigrationsDir = "migrations"
