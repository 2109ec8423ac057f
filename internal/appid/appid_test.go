package appid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaults(t *testing.T) {
	t.Setenv(nameOverrideEnv, "")

	identity, err := Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Name, identity.BinaryName)
	assert.Equal(t, Name, identity.ConfigName)
	assert.Equal(t, EnvPrefix, identity.EnvPrefix)
	assert.NotEmpty(t, identity.Description)
}

func TestGetNameOverride(t *testing.T) {
	t.Setenv(nameOverrideEnv, "shopvet-canary")

	identity, err := Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shopvet-canary", identity.BinaryName)
	assert.Equal(t, "shopvet-canary", identity.ConfigName)
	assert.Equal(t, EnvPrefix, identity.EnvPrefix)
}

func TestGetCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
