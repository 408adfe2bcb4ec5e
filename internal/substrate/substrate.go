// Package substrate provides the engine's single durable, transactional
// storage handle: a SQLite connection pool with WAL journaling, forward-only
// migrations, a full-text index for lexical retrieval, and an optional
// sqlite-vec ANN index for dense retrieval. Exactly one Handle exists per
// process; every other component is constructed with a *Handle.
package substrate

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"memoryengine/internal/engerr"
	"memoryengine/internal/logging"
)

// Config configures Connect.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// PoolMin/PoolMax bound the connection pool; defaults 2/10.
	PoolMin int
	PoolMax int

	// StartupTimeout bounds how long Connect waits for the pool to reach
	// PoolMin before failing with KindUnavailable.
	StartupTimeout time.Duration

	// BusyTimeout is passed to SQLite's busy_timeout pragma.
	BusyTimeout time.Duration

	// RequireVecExtension, if true, makes Connect fail when the sqlite-vec
	// vec0 virtual table cannot be created instead of falling back to the
	// brute-force cosine scan.
	RequireVecExtension bool
}

// DefaultConfig returns the standard local-engine tuning.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		PoolMin:         2,
		PoolMax:         10,
		StartupTimeout:  5 * time.Second,
		BusyTimeout:     5 * time.Second,
	}
}

// Handle is the process-wide substrate connection pool.
type Handle struct {
	db  *sql.DB
	mu  sync.Mutex // serializes writer transactions; SQLite has one writer
	cfg Config

	vecAvailable bool
}

// Connect opens the pool, runs schema migrations forward-only, and probes
// for sqlite-vec. Fails with KindUnavailable if the pool cannot reach
// PoolMin within StartupTimeout.
func Connect(cfg Config) (*Handle, error) {
	const op = "substrate.Connect"
	timer := logging.StartTimer(logging.CategorySubstrate, "Connect")
	defer timer.Stop()

	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, engerr.Unavailablef(op, fmt.Errorf("create data directory: %w", err))
			}
		}
	}

	db, err := sql.Open(driverName, cfg.Path)
	if err != nil {
		return nil, engerr.Unavailablef(op, err)
	}

	if cfg.PoolMax <= 0 {
		cfg.PoolMax = 10
	}
	if cfg.PoolMin <= 0 {
		cfg.PoolMin = 2
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 5 * time.Second
	}

	// SQLite allows only one writer; cap open connections so readers never
	// starve the writer but can still run concurrently under WAL.
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMax)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			logging.Get(logging.CategorySubstrate).Warn("pragma failed: %s: %v", p, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, engerr.Unavailablef(op, fmt.Errorf("pool did not reach minimum size: %w", err))
	}

	h := &Handle{db: db, cfg: cfg}

	if err := h.createTables(); err != nil {
		db.Close()
		return nil, engerr.Invariantf(op, err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, engerr.Invariantf(op, err)
	}
	if err := h.createPostMigrationIndexes(); err != nil {
		logging.Get(logging.CategorySubstrate).Warn("post-migration index creation: %v", err)
	}

	h.vecAvailable = detectVecExtension(db)
	if cfg.RequireVecExtension && !h.vecAvailable {
		db.Close()
		return nil, engerr.Unavailablef(op, fmt.Errorf("sqlite-vec vec0 virtual table unavailable"))
	}
	if h.vecAvailable {
		logging.Substrate("sqlite-vec vec0 extension available; dense retrieval uses ANN index")
	} else {
		logging.Get(logging.CategorySubstrate).Warn("sqlite-vec unavailable; dense retrieval falls back to brute-force cosine")
	}

	return h, nil
}

// DB exposes the underlying *sql.DB for packages that need to build their own
// prepared statements (store, retrieval, graph). RecordStore is still the
// only component permitted to issue writes; this
// is an implementation seam, not a public write surface.
func (h *Handle) DB() *sql.DB { return h.db }

// VecAvailable reports whether the sqlite-vec vec0 virtual table could be
// created on this connection.
func (h *Handle) VecAvailable() bool { return h.vecAvailable }

// Close closes the pool.
func (h *Handle) Close() error {
	logging.Substrate("closing substrate handle")
	return h.db.Close()
}

// Execute runs a parameterized statement. Callers pass args and never
// interpolate SQL themselves, so parameters are always pre-bound to
// placeholders structurally rather than checked at runtime.
func (h *Handle) Execute(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	const op = "substrate.Execute"
	res, err := h.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return res, nil
}

// Query runs a parameterized query.
func (h *Handle) Query(ctx context.Context, stmt string, args ...any) (*sql.Rows, error) {
	const op = "substrate.Query"
	rows, err := h.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return rows, nil
}

// Transaction begins a transaction, runs body, commits if body returns a nil
// error, otherwise rolls back. Transactions are the only way cross-record
// invariants are kept.
func (h *Handle) Transaction(ctx context.Context, body func(tx *sql.Tx) error) error {
	const op = "substrate.Transaction"
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := body(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// PoolStats reports (size, idle, pending) for observability.
// pending is the number of connections currently checked out (in use); the
// driver does not expose a live "waiting for a connection" count, only the
// cumulative stats.WaitCount, so in-use is the closest live proxy.
func (h *Handle) PoolStats() (size, idle, pending int) {
	stats := h.db.Stats()
	return stats.OpenConnections, stats.Idle, stats.InUse
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case err == sql.ErrNoRows:
		return engerr.NotFoundf(op, err)
	case err == context.DeadlineExceeded:
		return engerr.Timeoutf(op, err)
	default:
		return engerr.Unavailablef(op, err)
	}
}

// detectVecExtension attempts to create a vec0 virtual table to see whether
// sqlite-vec (or the pure-Go compat shim) is available.
func detectVecExtension(db *sql.DB) bool {
	if _, err := db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		_, _ = db.Exec("DROP TABLE IF EXISTS vec_probe")
		return true
	}
	return false
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors; used by the brute-force fallback when sqlite-vec is unavailable.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EncodeFloat32 encodes a vector into the little-endian blob format vec0 and
// vec_distance_cosine both expect.
func EncodeFloat32(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32 is the inverse of EncodeFloat32.
func DecodeFloat32(blob []byte) []float32 {
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}
