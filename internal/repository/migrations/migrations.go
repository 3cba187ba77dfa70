// Package migrations embeds the goose SQL migrations. The SQL is written
// to run unchanged on both PostgreSQL and SQLite.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
