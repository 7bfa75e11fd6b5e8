// Package migrations embeds the per-tenant LIMS schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
