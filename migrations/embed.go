// Package migrations embeds the goose SQL migrations for the control
// database (outbox entries and conflict records).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
