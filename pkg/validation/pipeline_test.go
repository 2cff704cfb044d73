package validation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/history"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/tools"
)

func testRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.ReplaceProvider("filesystem", []protocol.ToolDef{
		{
			Name:     "filesystem__read_file",
			Provider: "filesystem",
			WireName: "read_file",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required": []any{"path"},
			},
		},
	})
	reg.ReplaceProvider("playwright", []protocol.ToolDef{
		{
			Name:     "playwright__browser_navigate",
			Provider: "playwright",
			WireName: "browser_navigate",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required": []any{"url"},
			},
		},
	})
	return reg
}

func newTestPipeline(t *testing.T, ring *history.Ring) *Pipeline {
	t.Helper()
	cfg := config.ValidationConfig{
		SimilarityThreshold:     0.8,
		HistoryFailureThreshold: 3,
		AggregateTimeoutMs:      15000,
	}
	return New(cfg, testRegistry(), ring, nil)
}

func TestValidate_ValidCallPassesClean(t *testing.T) {
	p := newTestPipeline(t, nil)

	results := p.Validate(context.Background(), "read the config", []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{"path": "/etc/atlas.yaml"},
	}})

	require.Len(t, results, 1)
	assert.True(t, results[0].Valid)
	assert.Empty(t, results[0].Corrections)
	assert.Empty(t, results[0].Warnings)
}

func TestValidate_FormatRejectsMalformedName(t *testing.T) {
	p := newTestPipeline(t, nil)

	results := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Tool:       "read_file",
		Parameters: map[string]any{"path": "/tmp/x"},
	}})

	require.Len(t, results, 1)
	assert.False(t, results[0].Valid)
	assert.Equal(t, StageFormat, results[0].Stage)
}

func TestValidate_FormatFillsProviderFromTool(t *testing.T) {
	p := newTestPipeline(t, nil)

	results := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{"path": "/tmp/x"},
	}})

	require.True(t, results[0].Valid)
	assert.Equal(t, "filesystem", results[0].Call.Provider)
}

func TestValidate_SchemaRejectsMissingRequired(t *testing.T) {
	p := newTestPipeline(t, nil)

	results := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{},
	}})

	require.Len(t, results, 1)
	assert.False(t, results[0].Valid)
	assert.Equal(t, StageSchema, results[0].Stage)
}

func TestValidate_SchemaCorrectsNearMissKey(t *testing.T) {
	p := newTestPipeline(t, nil)

	results := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{"paths": "/tmp/x"},
	}})

	require.Len(t, results, 1)
	require.True(t, results[0].Valid, "near-miss key should be corrected, got: %s", results[0].Reason)
	require.Len(t, results[0].Corrections, 1)
	assert.Equal(t, "paths", results[0].Corrections[0].From)
	assert.Equal(t, "path", results[0].Corrections[0].To)
	assert.Equal(t, "/tmp/x", results[0].Call.Parameters["path"])
}

func TestValidate_ProviderSyncRewritesToolName(t *testing.T) {
	p := newTestPipeline(t, nil)

	results := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Provider:   "playwright",
		Tool:       "playwright__browser_navigat",
		Parameters: map[string]any{"url": "https://example.com"},
	}})

	require.Len(t, results, 1)
	require.True(t, results[0].Valid, "reason: %s", results[0].Reason)
	assert.Equal(t, "playwright__browser_navigate", results[0].Call.Tool)
	require.Len(t, results[0].Corrections, 1)
	assert.Equal(t, StageProviderSync, results[0].Corrections[0].Stage)
}

func TestValidate_ProviderSyncCorrectsTruncatedAction(t *testing.T) {
	p := newTestPipeline(t, nil)

	// Planners often emit the action without the provider's prefix.
	results := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Provider:   "playwright",
		Tool:       "playwright__navigate",
		Parameters: map[string]any{"url": "https://example.com"},
	}})

	require.Len(t, results, 1)
	require.True(t, results[0].Valid, "reason: %s", results[0].Reason)
	assert.Equal(t, "playwright__browser_navigate", results[0].Call.Tool)
	require.Len(t, results[0].Corrections, 1)
	assert.Equal(t, StageProviderSync, results[0].Corrections[0].Stage)
}

func TestValidate_ProviderSyncRejectsUnknownTool(t *testing.T) {
	p := newTestPipeline(t, nil)

	results := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Provider:   "playwright",
		Tool:       "playwright__teleport",
		Parameters: map[string]any{},
	}})

	require.Len(t, results, 1)
	assert.False(t, results[0].Valid)
	assert.Equal(t, StageProviderSync, results[0].Stage)
}

func TestValidate_CompoundedCorrections(t *testing.T) {
	p := newTestPipeline(t, nil)

	// Both the tool name and the parameter key are near misses.
	results := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Provider:   "playwright",
		Tool:       "playwright__browser_navigat",
		Parameters: map[string]any{"urls": "https://example.com"},
	}})

	require.Len(t, results, 1)
	require.True(t, results[0].Valid, "reason: %s", results[0].Reason)
	assert.Equal(t, "playwright__browser_navigate", results[0].Call.Tool)
	assert.Equal(t, "https://example.com", results[0].Call.Parameters["url"])
	assert.Len(t, results[0].Corrections, 2)
}

func TestValidate_Idempotent(t *testing.T) {
	p := newTestPipeline(t, nil)

	first := p.Validate(context.Background(), "", []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{"paths": "/tmp/x"},
	}})
	require.True(t, first[0].Valid)

	second := p.Validate(context.Background(), "", []protocol.ToolCall{first[0].Call})
	require.True(t, second[0].Valid)
	assert.Empty(t, second[0].Corrections, "corrected call must validate with no further correction")
	assert.Equal(t, first[0].Call, second[0].Call)
}

func TestValidate_HistoryWarnsAfterRepeatedFailures(t *testing.T) {
	ring := history.NewRing(100)
	call := protocol.ToolCall{
		Provider:   "filesystem",
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{"path": "/etc/shadow"},
	}
	for i := 0; i < 3; i++ {
		ring.Record(call, history.OutcomeFailure, time.Millisecond)
	}

	p := newTestPipeline(t, ring)
	results := p.Validate(context.Background(), "", []protocol.ToolCall{call})

	require.Len(t, results, 1)
	assert.True(t, results[0].Valid, "history alone must not block")
	require.NotEmpty(t, results[0].Warnings)
	assert.Contains(t, results[0].Warnings[0], StageHistory)
}

func TestValidate_DoesNotMutateInput(t *testing.T) {
	p := newTestPipeline(t, nil)

	call := protocol.ToolCall{
		Provider:   "filesystem",
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{"paths": "/tmp/x"},
	}
	_ = p.Validate(context.Background(), "", []protocol.ToolCall{call})

	_, hasOriginal := call.Parameters["paths"]
	assert.True(t, hasOriginal, "caller's parameter map must stay intact")
}

type denyingChecker struct{}

func (denyingChecker) Check(_ context.Context, _ string, _ protocol.ToolCall) (bool, string, error) {
	return false, "call does not advance the action", nil
}

func TestValidate_SemanticOnlyWarns(t *testing.T) {
	cfg := config.ValidationConfig{
		SimilarityThreshold: 0.8,
		SemanticEnabled:     true,
		AggregateTimeoutMs:  15000,
	}
	p := New(cfg, testRegistry(), nil, denyingChecker{})

	results := p.Validate(context.Background(), "open the page", []protocol.ToolCall{{
		Provider:   "playwright",
		Tool:       "playwright__browser_navigate",
		Parameters: map[string]any{"url": "https://example.com"},
	}})

	require.Len(t, results, 1)
	assert.True(t, results[0].Valid, "semantic stage must never block")
	require.NotEmpty(t, results[0].Warnings)
	assert.Contains(t, results[0].Warnings[0], StageSemantic)
}

func TestMetricsSnapshot(t *testing.T) {
	p := newTestPipeline(t, nil)
	_ = p.Validate(context.Background(), "", []protocol.ToolCall{{
		Provider:   "filesystem",
		Tool:       "filesystem__read_file",
		Parameters: map[string]any{"path": "/tmp/x"},
	}})

	snap := p.Metrics()
	assert.Equal(t, int64(1), snap[StageFormat].Pass)
	assert.Equal(t, int64(1), snap[StageSchema].Pass)
}
