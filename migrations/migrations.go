// Package migrations embeds the goose SQL migration set so the server
// binary carries its own schema and does not depend on a migrations
// directory being present on disk at deploy time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
