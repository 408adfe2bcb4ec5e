package engerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := NotFoundf("Store.Get", fmt.Errorf("event abc"))
	wrapped := fmt.Errorf("while retrieving: %w", base)

	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(wrapped, KindTimeout))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(errors.New("plain"), KindInvariant))
}

func TestErrorStringCarriesOpAndKind(t *testing.T) {
	err := Invariantf("RecordStore.Transition", fmt.Errorf("illegal transition"))
	assert.Contains(t, err.Error(), "RecordStore.Transition")
	assert.Contains(t, err.Error(), "Invariant")
	assert.Contains(t, err.Error(), "illegal transition")
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimitedf("engine.retrieve", 30*time.Second)
	assert.Equal(t, 30*time.Second, err.RetryAfter)
	assert.True(t, Is(err, KindRateLimited))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Unavailablef("substrate.Query", cause)
	assert.ErrorIs(t, err, cause)
}
