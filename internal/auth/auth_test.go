package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndParseToken(t *testing.T) {
	cfg := TokenConfig{Secret: "s3cret", Issuer: "sessions"}
	raw, err := MintToken(cfg, "u-1", time.Now(), time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(cfg, raw)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
}

func TestParseTokenRejects(t *testing.T) {
	cfg := TokenConfig{Secret: "s3cret", Issuer: "sessions"}

	expired, err := MintToken(cfg, "u-1", time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(cfg, expired)
	assert.Error(t, err)

	foreign, err := MintToken(TokenConfig{Secret: "other", Issuer: "sessions"}, "u-1", time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(cfg, foreign)
	assert.Error(t, err)

	wrongIssuer, err := MintToken(TokenConfig{Secret: "s3cret", Issuer: "elsewhere"}, "u-1", time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(cfg, wrongIssuer)
	assert.Error(t, err)

	_, err = ParseToken(cfg, "garbage")
	assert.Error(t, err)
}

func TestPolicy(t *testing.T) {
	p := NewPolicy([]string{" admin-1 ", ""})
	assert.True(t, p.CanActOn(Principal{UserID: "u-1"}, "u-1"))
	assert.False(t, p.CanActOn(Principal{UserID: "u-2"}, "u-1"))
	assert.True(t, p.CanActOn(Principal{UserID: "admin-1"}, "u-1"))
	assert.False(t, p.CanActOn(Principal{}, ""))

	var nilPolicy *Policy
	assert.False(t, nilPolicy.IsAdmin("admin-1"))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)
	p, ok := PrincipalFrom(WithPrincipal(context.Background(), Principal{UserID: "u-1"}))
	assert.True(t, ok)
	assert.Equal(t, "u-1", p.UserID)
}
