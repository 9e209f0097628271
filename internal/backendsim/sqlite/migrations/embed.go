// Package migrations holds the SQLite schema of the simulated backend.
package migrations

import "embed"

// FS contains the ordered .sql migration files.
//
//go:embed *.sql
var FS embed.FS
