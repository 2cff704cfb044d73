// Package tools aggregates every capability provider's advertised
// tools into a single namespace keyed by the canonical identifier
// provider__action.
package tools

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/registry"
)

// DefaultSimilarityThreshold accepts a fuzzy match at or above this
// Levenshtein ratio.
const DefaultSimilarityThreshold = 0.8

// Registry is the aggregated tool namespace.
type Registry struct {
	*registry.BaseRegistry[protocol.ToolDef]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[protocol.ToolDef](),
	}
}

// ReplaceProvider atomically swaps every cached tool of the provider
// with the fresh list. Called by the provider manager after a (re)list.
func (r *Registry) ReplaceProvider(provider string, defs []protocol.ToolDef) {
	replacements := make(map[string]protocol.ToolDef, len(defs))
	for _, def := range defs {
		replacements[def.Name] = def
	}
	r.ReplaceWhere(
		func(_ string, def protocol.ToolDef) bool { return def.Provider == provider },
		replacements,
	)
}

// DropProvider removes every tool of the provider.
func (r *Registry) DropProvider(provider string) {
	r.ReplaceWhere(
		func(_ string, def protocol.ToolDef) bool { return def.Provider == provider },
		nil,
	)
}

// ForProviders returns the tools of the named providers, sorted by
// canonical name.
func (r *Registry) ForProviders(providers []string) []protocol.ToolDef {
	want := make(map[string]bool, len(providers))
	for _, p := range providers {
		want[p] = true
	}

	var out []protocol.ToolDef
	for _, def := range r.List() {
		if want[def.Provider] {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindSimilar returns tools whose canonical name (or the action part,
// within the same provider) matches name at or above the threshold,
// best match first.
func (r *Registry) FindSimilar(name string, threshold float64) []protocol.ToolDef {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	wantProvider, wantAction, canonical := protocol.SplitCanonical(name)

	type scored struct {
		def   protocol.ToolDef
		score float64
	}
	var matches []scored

	for _, def := range r.List() {
		score := Similarity(name, def.Name)
		if canonical && def.Provider == wantProvider {
			_, action, _ := protocol.SplitCanonical(def.Name)
			if s := Similarity(wantAction, action); s > score {
				score = s
			}
		}
		if score >= threshold {
			matches = append(matches, scored{def: def, score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].def.Name < matches[j].def.Name
	})

	out := make([]protocol.ToolDef, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.def)
	}
	return out
}

// Similarity is the fuzzy-match score in [0,1] used for every
// correction in the orchestrator. It is the Levenshtein ratio, boosted
// when one name is wholly contained in the other: planners routinely
// emit "navigate" for "browser_navigate" or pluralize a parameter key,
// and the plain edit distance punishes those far below the accept
// threshold.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	score := levenshtein.Similarity(a, b, nil)

	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) >= 3 && strings.Contains(longer, shorter) {
		if boosted := 0.8 + 0.2*float64(len(shorter))/float64(len(longer)); boosted > score {
			score = boosted
		}
	}
	return score
}
