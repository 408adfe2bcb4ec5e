package embedding

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEngine struct {
	calls int
	fail  bool
}

func (c *countingEngine) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	if c.fail {
		return nil, fmt.Errorf("backend down")
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (c *countingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *countingEngine) Dimensions() int { return 3 }
func (c *countingEngine) Name() string    { return "counting" }

func TestCacheHitSkipsBackend(t *testing.T) {
	inner := &countingEngine{}
	cache := NewCache(inner, 10)
	ctx := context.Background()

	v1, err := cache.Embed(ctx, "hello")
	require.NoError(t, err)
	v2, err := cache.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.calls)

	hits, misses, size := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}

func TestCacheEvictsOldest(t *testing.T) {
	inner := &countingEngine{}
	cache := NewCache(inner, 2)
	ctx := context.Background()

	_, _ = cache.Embed(ctx, "a")
	_, _ = cache.Embed(ctx, "b")
	_, _ = cache.Embed(ctx, "c") // evicts "a"

	_, _, size := cache.Stats()
	assert.Equal(t, 2, size)

	_, err := cache.Embed(ctx, "a") // miss again
	require.NoError(t, err)
	assert.Equal(t, 4, inner.calls)
}

func TestCacheRecencyOnHit(t *testing.T) {
	inner := &countingEngine{}
	cache := NewCache(inner, 2)
	ctx := context.Background()

	_, _ = cache.Embed(ctx, "a")
	_, _ = cache.Embed(ctx, "b")
	_, _ = cache.Embed(ctx, "a") // refresh "a"
	_, _ = cache.Embed(ctx, "c") // evicts "b", not "a"

	calls := inner.calls
	_, _ = cache.Embed(ctx, "a")
	assert.Equal(t, calls, inner.calls)
}

func TestCacheNeverCachesFailures(t *testing.T) {
	inner := &countingEngine{fail: true}
	cache := NewCache(inner, 10)
	ctx := context.Background()

	_, err := cache.Embed(ctx, "x")
	require.Error(t, err)

	inner.fail = false
	v, err := cache.Embed(ctx, "x")
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Equal(t, 2, inner.calls)
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, ContentTypeCode, DetectContentType("func main() {}"))
	assert.Equal(t, ContentTypeQuery, DetectContentType("how does the cache evict entries?"))
	assert.Equal(t, ContentTypeProcedure, DetectContentType("1. open the file\n2. edit it"))
	assert.Equal(t, ContentTypeFact, DetectContentType("the scheduler ticks every minute"))
}

func TestSelectTaskType(t *testing.T) {
	assert.Equal(t, "CODE_RETRIEVAL_QUERY", SelectTaskType(ContentTypeCode, true))
	assert.Equal(t, "RETRIEVAL_DOCUMENT", SelectTaskType(ContentTypeEvent, false))
	assert.Equal(t, "RETRIEVAL_QUERY", SelectTaskType(ContentTypeFact, true))
	assert.Equal(t, "SEMANTIC_SIMILARITY", SelectTaskType(ContentTypePattern, false))
}
