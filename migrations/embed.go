// Package migrations embeds SQL migration files for the Postgres durable store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
