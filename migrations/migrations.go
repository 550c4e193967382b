// Package migrations embeds the SQL migrations applied to every site schema.
package migrations

import "embed"

// FS holds the numbered *.sql files.
//
//go:embed *.sql
var FS embed.FS
