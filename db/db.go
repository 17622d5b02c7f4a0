// Package db embeds the SQL migrations so binaries can migrate without a
// checkout of the repository.
package db

import "embed"

// Migrations holds the goose SQL files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS
