package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	key1, err := GenerateAPIKey()
	require.NoError(t, err)
	key2, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key1, "gk_"))
	assert.Len(t, key1, 3+44)
	assert.NotEqual(t, key1, key2)
}

func TestNewAPIKeyStoresHashNotRaw(t *testing.T) {
	raw, err := GenerateAPIKey()
	require.NoError(t, err)

	key := NewAPIKey(NewKeyID(), "acme", raw, TierEnterprise)

	assert.Equal(t, HashAPIKey(raw), key.KeyHash)
	assert.NotContains(t, key.KeyHash, raw)
	assert.Equal(t, raw[:8], key.Prefix)
	assert.True(t, key.Enabled)
	assert.Equal(t, TierEnterprise, key.Tier)
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	assert.Equal(t, HashAPIKey("gk_abc"), HashAPIKey("gk_abc"))
	assert.NotEqual(t, HashAPIKey("gk_abc"), HashAPIKey("gk_abd"))
	assert.Len(t, HashAPIKey("gk_abc"), 64)
}
