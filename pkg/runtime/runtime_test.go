package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
)

func TestNew_EmptyConfig(t *testing.T) {
	cfg := config.Default()

	rt, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, rt)
	assert.NotNil(t, rt.server)
	assert.Empty(t, rt.providers.EnabledProviders())

	rt.Close()
}

func TestNew_WithConfiguredService(t *testing.T) {
	cfg := config.Default()
	cfg.Services = map[string]config.ServiceConfig{
		"main": {Provider: "openai", APIKey: "test-key", Model: "gpt-4o-mini"},
	}

	rt, err := New(cfg)
	require.NoError(t, err)
	rt.Close()
}
