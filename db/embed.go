// Package db provides the embedded schema and the seed catalog.
package db

import _ "embed"

// Schema contains the DDL statements for all application tables.
//
//go:embed migrations/001_schema.sql
var Schema string

// SeedProducts is the initial organic catalog as gzip-compressed JSON.
//
//go:embed seed/products.json.gz
var SeedProducts []byte
