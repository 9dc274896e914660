// Package dbmigrations exposes embedded SQL migrations for FanRide binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into FanRide binaries.
//
//go:embed *.sql
var Files embed.FS
