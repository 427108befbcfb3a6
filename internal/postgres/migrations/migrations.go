// Package migrations embeds the schema migration files applied by the
// gateway's migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in apply order.
var Files = []string{
	"001_create_documents.sql",
	"002_create_batches.sql",
	"003_create_external_jobs.sql",
	"004_create_artifacts.sql",
}
