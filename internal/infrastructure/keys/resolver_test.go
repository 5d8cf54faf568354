package keys

import (
	"context"
	"testing"

	"creditledger/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver_Resolve(t *testing.T) {
	r := NewStaticResolver(config.KeysConfig{
		Platform: map[string]string{"stripe": "sk_platform"},
		Apps:     map[string]map[string]string{"app_1": {"stripe": "sk_app_1"}},
		Orgs:     map[string]map[string]string{"org_1": {"openai": "sk-org"}},
	})
	ctx := context.Background()

	t.Run("app key wins", func(t *testing.T) {
		key, err := r.Resolve(ctx, "stripe", ForApp("app_1"))
		require.NoError(t, err)
		assert.Equal(t, "sk_app_1", key)
	})

	t.Run("app without key falls back to platform", func(t *testing.T) {
		key, err := r.Resolve(ctx, "stripe", ForApp("app_2"))
		require.NoError(t, err)
		assert.Equal(t, "sk_platform", key)
	})

	t.Run("byok key", func(t *testing.T) {
		key, err := r.Resolve(ctx, "openai", ForOrg("org_1"))
		require.NoError(t, err)
		assert.Equal(t, "sk-org", key)
	})

	t.Run("byok missing is not found", func(t *testing.T) {
		_, err := r.Resolve(ctx, "openai", ForOrg("org_2"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("provider without any key is not configured", func(t *testing.T) {
		_, err := r.Resolve(ctx, "anthropic", ForPlatform())
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}

func TestSelector_String(t *testing.T) {
	assert.Equal(t, "app:a", ForApp("a").String())
	assert.Equal(t, "byok:o", ForOrg("o").String())
	assert.Equal(t, "platform", ForPlatform().String())
}
