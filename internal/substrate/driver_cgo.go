//go:build cgo

package substrate

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver. The optional sqlite_vec build
// tag layers the real sqlite-vec extension on top (vec_cgo.go).
const driverName = "sqlite3"
