package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 2, cfg.Workflow.MaxItemAttempts)
	assert.Equal(t, 3, cfg.Workflow.MaxReplans)
	assert.Equal(t, 5, cfg.Workflow.BlockedCheckThresholdResolve)
	assert.Equal(t, 10, cfg.Workflow.BlockedCheckThresholdSkip)
	assert.Equal(t, 60000, cfg.Workflow.LLMTimeoutMs)
	assert.Equal(t, 50, cfg.Gateway.RateLimit.QueueCap)
	assert.Equal(t, 3, cfg.Gateway.Circuit.FailureThreshold)
	assert.Equal(t, 0.8, cfg.Validation.SimilarityThreshold)
	assert.Equal(t, 1000, cfg.History.MaxSize)
	assert.Equal(t, 3, cfg.Inspector.MaxConsecutive)
	assert.Equal(t, 10, cfg.Inspector.MaxTotal)
	assert.Equal(t, 1800000, cfg.Session.IdleTimeoutMs)
	assert.True(t, cfg.Validation.EarlyRejectionEnabled())
	assert.Contains(t, cfg.Verification.MatchKeywords, "matches")
	assert.Contains(t, cfg.Verification.MatchKeywords, "успішно")
}

func TestParse(t *testing.T) {
	yamlData := `
server:
  port: 9000
services:
  main:
    provider: openai
    model: gpt-4o
stages:
  planning:
    service: main
    temperature: 0.3
providers:
  filesystem:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    description: "Filesystem access"
workflow:
  max_item_attempts: 4
  default_provider: filesystem
`
	cfg, err := Parse([]byte(yamlData))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Workflow.MaxItemAttempts)
	assert.Equal(t, "npx", cfg.Providers["filesystem"].Command)
	assert.True(t, cfg.Providers["filesystem"].IsEnabled())
	assert.Equal(t, 15000, cfg.Providers["filesystem"].InitTimeoutMs)

	stage := cfg.StageFor(StagePlanning)
	assert.Equal(t, "gpt-4o", stage.Model)
	assert.Equal(t, 60000, stage.TimeoutMs)
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("ATLAS_TEST_KEY", "sk-secret")
	defer os.Unsetenv("ATLAS_TEST_KEY")

	yamlData := `
services:
  main:
    api_key: ${ATLAS_TEST_KEY}
    base_url: ${ATLAS_TEST_MISSING:-http://localhost:1234/v1}
`
	cfg, err := Parse([]byte(yamlData))
	require.NoError(t, err)

	assert.Equal(t, "sk-secret", cfg.Services["main"].APIKey)
	assert.Equal(t, "http://localhost:1234/v1", cfg.Services["main"].BaseURL)
}

func TestValidate_UnknownService(t *testing.T) {
	yamlData := `
stages:
  planning:
    service: missing
`
	_, err := Parse([]byte(yamlData))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestValidate_EnabledProviderWithoutCommand(t *testing.T) {
	yamlData := `
providers:
  broken:
    description: "no command"
`
	_, err := Parse([]byte(yamlData))
	require.Error(t, err)
}

func TestValidate_DisabledProviderWithoutCommand(t *testing.T) {
	yamlData := `
providers:
  off:
    enabled: false
`
	_, err := Parse([]byte(yamlData))
	require.NoError(t, err)
}
