// Package migrations embeds the agent's SQLite schema.
package migrations

import "embed"

// FS holds the *.up.sql files at its root.
//
//go:embed *.sql
var FS embed.FS
