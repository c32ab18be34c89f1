package migrations

import "embed"

// Files holds the versioned migrations in golang-migrate naming
// (NNNN_name.up.sql / NNNN_name.down.sql).
//
//go:embed *.sql
var Files embed.FS
