// Package migrations embeds the goose SQL migration set for pgstore.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
