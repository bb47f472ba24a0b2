// Package sql embeds the database schema so deployments and tests can apply
// it without shipping loose files alongside the binary.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
