package midjourney

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerationErrorMatchesSentinel(t *testing.T) {
	err := newError(KindPostModeration, "123", "a castle", time.Second, errors.New("stopped"))

	assert.ErrorIs(t, err, ErrPostModeration)
	assert.NotErrorIs(t, err, ErrPreModeration)
	assert.Contains(t, err.Error(), "post_moderation")
	assert.Contains(t, err.Error(), "123")
}

func TestGenerationErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := newError(KindTransientNetwork, "", "", 0, cause)
	assert.ErrorIs(t, err, cause)

	// Without a cause, Unwrap falls back to the sentinel.
	bare := newError(KindDeadline, "", "", 0, nil)
	assert.ErrorIs(t, bare, ErrDeadline)
}

func TestErrorKindStrings(t *testing.T) {
	kinds := []ErrorKind{
		KindAuth, KindPreModeration, KindPostModeration, KindEphemeralModeration,
		KindInvalidRequest, KindQueueFull, KindJobQueued, KindTransientNetwork,
		KindDeadline, KindCorrelation,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		assert.NotEqual(t, "unknown", s)
		assert.False(t, seen[s], "duplicate name %q", s)
		seen[s] = true
	}
}

func TestClaimSetClaimsOnce(t *testing.T) {
	claims := newClaimSet()
	assert.True(t, claims.Claim("1"))
	assert.False(t, claims.Claim("1"))
	assert.True(t, claims.Claim("2"))
}
