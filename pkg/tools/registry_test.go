package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

func def(provider, action string) protocol.ToolDef {
	return protocol.ToolDef{
		Name:     protocol.CanonicalName(provider, action),
		Provider: provider,
		WireName: action,
	}
}

func TestReplaceProvider_AtomicSwap(t *testing.T) {
	r := NewRegistry()
	r.ReplaceProvider("filesystem", []protocol.ToolDef{
		def("filesystem", "read_file"),
		def("filesystem", "write_file"),
	})
	r.ReplaceProvider("playwright", []protocol.ToolDef{
		def("playwright", "browser_navigate"),
	})

	// Reconnect: the provider now advertises a different set.
	r.ReplaceProvider("filesystem", []protocol.ToolDef{
		def("filesystem", "read_file"),
		def("filesystem", "list_directory"),
	})

	_, ok := r.Get("filesystem__write_file")
	assert.False(t, ok, "stale entry must be dropped")
	_, ok = r.Get("filesystem__list_directory")
	assert.True(t, ok)
	_, ok = r.Get("playwright__browser_navigate")
	assert.True(t, ok, "other providers must be untouched")
}

func TestForProviders(t *testing.T) {
	r := NewRegistry()
	r.ReplaceProvider("filesystem", []protocol.ToolDef{def("filesystem", "read_file")})
	r.ReplaceProvider("shell", []protocol.ToolDef{def("shell", "run_command")})
	r.ReplaceProvider("playwright", []protocol.ToolDef{def("playwright", "browser_navigate")})

	defs := r.ForProviders([]string{"filesystem", "shell"})
	require.Len(t, defs, 2)
	assert.Equal(t, "filesystem__read_file", defs[0].Name)
	assert.Equal(t, "shell__run_command", defs[1].Name)
}

func TestFindSimilar_ActionPartWithinProvider(t *testing.T) {
	r := NewRegistry()
	r.ReplaceProvider("playwright", []protocol.ToolDef{
		def("playwright", "browser_navigate"),
		def("playwright", "browser_click"),
	})

	// The planner hallucinated the short action name.
	matches := r.FindSimilar("playwright__navigate", 0.6)
	require.NotEmpty(t, matches)
	assert.Equal(t, "playwright__browser_navigate", matches[0].Name)
}

func TestFindSimilar_NoMatchBelowThreshold(t *testing.T) {
	r := NewRegistry()
	r.ReplaceProvider("filesystem", []protocol.ToolDef{def("filesystem", "read_file")})

	matches := r.FindSimilar("memory__store_fact", 0.8)
	assert.Empty(t, matches)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("same", "same"))
	assert.Less(t, Similarity("read_file", "browser_click"), 0.5)
}

func TestSimilarity_ContainedNameClearsThreshold(t *testing.T) {
	// Truncated action names and pluralized parameter keys must be
	// accepted at the default threshold.
	assert.GreaterOrEqual(t, Similarity("navigate", "browser_navigate"), DefaultSimilarityThreshold)
	assert.GreaterOrEqual(t, Similarity("urls", "url"), DefaultSimilarityThreshold)
	assert.GreaterOrEqual(t, Similarity("paths", "path"), DefaultSimilarityThreshold)

	// Very short fragments stay on the plain edit-distance ratio.
	assert.Less(t, Similarity("na", "browser_navigate"), DefaultSimilarityThreshold)
}

func TestFindSimilar_ShortActionAtDefaultThreshold(t *testing.T) {
	r := NewRegistry()
	r.ReplaceProvider("playwright", []protocol.ToolDef{
		def("playwright", "browser_navigate"),
		def("playwright", "browser_click"),
	})

	matches := r.FindSimilar("playwright__navigate", DefaultSimilarityThreshold)
	require.NotEmpty(t, matches)
	assert.Equal(t, "playwright__browser_navigate", matches[0].Name)
}
