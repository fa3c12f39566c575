package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	now := time.Unix(1700000000, 0)
	exp := now.Add(time.Minute).Unix()

	sig := s.Sign(42, exp)
	require.NotEmpty(t, sig)

	assert.True(t, s.Validate(42, "1700000060", sig, now))
	assert.False(t, s.Validate(43, "1700000060", sig, now), "wrong deferred id")
	assert.False(t, s.Validate(42, "1800000000", sig, now), "wrong expiry")
	assert.False(t, s.Validate(42, "1700000060", sig, now.Add(2*time.Minute)), "expired token")
	assert.False(t, s.Validate(42, "notanumber", sig, now))
}
