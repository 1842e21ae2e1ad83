// Package migrations embeds the SQL schema migrations so the obcms binary
// can migrate a database without shipping loose files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
