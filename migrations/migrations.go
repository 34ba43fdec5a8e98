// Package migrations embeds the workflow schema for golang-migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
