//go:build !cgo

package substrate

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver for CGO_ENABLED=0 builds.
// Dense retrieval then relies on the vec0 compat shim (vec_compat.go).
const driverName = "sqlite"
