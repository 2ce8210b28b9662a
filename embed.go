package ecmengine

import _ "embed"

// SchemaSQL is the full database schema, applied on a fresh database.
//
//go:embed schema.sql
var SchemaSQL []byte
