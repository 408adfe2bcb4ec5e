package substrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryengine/internal/engerr"
)

func testHandle(t *testing.T) *Handle {
	t.Helper()
	h, err := Connect(DefaultConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestConnectCreatesSchema(t *testing.T) {
	h := testHandle(t)

	for _, table := range []string{"events", "facts", "procedures", "tasks", "entities", "relations", "patterns", "consolidation_runs", "projects", "content_index"} {
		var name string
		err := h.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		require.NoErrorf(t, err, "table %s should exist", table)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	h1, err := Connect(DefaultConfig(path))
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	h2, err := Connect(DefaultConfig(path))
	require.NoError(t, err)
	require.NoError(t, h2.Close())
}

func TestTransactionCommitAndRollback(t *testing.T) {
	h := testHandle(t)
	ctx := context.Background()

	require.NoError(t, h.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name, created_at) VALUES ('p1', 'one', CURRENT_TIMESTAMP)`)
		return err
	}))

	boom := engerr.Invariantf("test", nil)
	err := h.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name, created_at) VALUES ('p2', 'two', CURRENT_TIMESTAMP)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, h.DB().QueryRow(`SELECT COUNT(*) FROM projects`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestEncodeDecodeFloat32Roundtrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.25, 0, 1e-7}
	got := DecodeFloat32(EncodeFloat32(vec))
	if diff := cmp.Diff(vec, got); diff != "" {
		t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2})) // dimension mismatch
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestPoolStats(t *testing.T) {
	h := testHandle(t)
	size, idle, inUse := h.PoolStats()
	assert.GreaterOrEqual(t, size, 0)
	assert.GreaterOrEqual(t, idle, 0)
	assert.GreaterOrEqual(t, inUse, 0)
}
