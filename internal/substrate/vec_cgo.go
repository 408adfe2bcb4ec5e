//go:build sqlite_vec && cgo

package substrate

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Registers the real sqlite-vec extension as an auto-loadable extension
	// for the mattn/go-sqlite3 cgo driver. Builds without the sqlite_vec tag
	// compile the pure-Go vec0 compat shim in vec_compat.go instead, which
	// only the !cgo (modernc.org/sqlite) build can use.
	vec.Auto()
}
