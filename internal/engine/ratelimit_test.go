package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryengine/internal/config"
	"memoryengine/internal/engerr"
)

func TestRateLimitAllowsWithinQuota(t *testing.T) {
	r := newRateLimits(config.RateLimitConfig{RetrievePerMinute: 3})
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Check(OpRetrieve))
	}
	err := r.Check(OpRetrieve)
	require.Error(t, err)
	assert.True(t, engerr.Is(err, engerr.KindRateLimited))

	var e *engerr.Error
	require.ErrorAs(t, err, &e)
	assert.Greater(t, e.RetryAfter, time.Duration(0))
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	r := newRateLimits(config.RateLimitConfig{})
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Check(OpInsert))
	}
}

func TestLimitsAreIndependentPerOperation(t *testing.T) {
	r := newRateLimits(config.RateLimitConfig{ConsolidatePerMinute: 1, RetrievePerMinute: 10})
	require.NoError(t, r.Check(OpConsolidate))
	require.Error(t, r.Check(OpConsolidate))
	require.NoError(t, r.Check(OpRetrieve))
}

func TestWindowSlides(t *testing.T) {
	l := &limiter{limit: 1}
	now := time.Now()
	ok, _ := l.allow(now)
	require.True(t, ok)
	ok, retryAfter := l.allow(now.Add(time.Second))
	require.False(t, ok)
	assert.InDelta(t, float64(59*time.Second), float64(retryAfter), float64(time.Second))

	ok, _ = l.allow(now.Add(61 * time.Second))
	assert.True(t, ok)
}
