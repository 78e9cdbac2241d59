// Package migrations embeds the goose SQL migrations for the chat core's
// durable schema.
package migrations

import "embed"

// FS holds the embedded migration files, consumed by goose.SetBaseFS.
//
//go:embed *.sql
var FS embed.FS
