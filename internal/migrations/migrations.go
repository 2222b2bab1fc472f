// Package migrations embeds the SQL schema of the upload queue.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
