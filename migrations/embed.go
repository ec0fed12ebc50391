// Package migrations holds the SQL schema, applied in file name order.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
