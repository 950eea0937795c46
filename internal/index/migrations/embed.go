// Package migrations embeds the SQL migrations of the document index.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
