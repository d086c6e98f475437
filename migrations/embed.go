// Package migrations embeds the archive schema into the binary.
package migrations

import "embed"

// FS holds the versioned .up.sql/.down.sql files applied by database.Migrate.
//
//go:embed *.sql
var FS embed.FS
