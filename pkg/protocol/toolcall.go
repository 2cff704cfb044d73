package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// CanonicalSeparator joins a provider name and an action into the
// canonical tool identifier used everywhere inside the orchestrator.
const CanonicalSeparator = "__"

// CanonicalName builds the canonical identifier provider__action.
func CanonicalName(provider, action string) string {
	return provider + CanonicalSeparator + action
}

// SplitCanonical splits a canonical identifier into provider and action.
// ok is false when name is not in canonical form.
func SplitCanonical(name string) (provider, action string, ok bool) {
	idx := strings.Index(name, CanonicalSeparator)
	if idx <= 0 || idx+len(CanonicalSeparator) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(CanonicalSeparator):], true
}

// IsCanonical reports whether name is in provider__action form.
func IsCanonical(name string) bool {
	_, _, ok := SplitCanonical(name)
	return ok
}

// ToolCall is a single planned invocation of a provider tool.
// Tool is always canonical; the provider manager translates to the
// wire form the subprocess expects.
type ToolCall struct {
	Provider   string         `json:"provider"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// ParamsHash returns a stable hash of the call parameters, used by the
// history ring and the repetition inspector. Keys are sorted so two
// maps with equal contents hash equally.
func (c ToolCall) ParamsHash() string {
	return HashParams(c.Parameters)
}

// HashParams computes the stable parameter hash for an arbitrary map.
func HashParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		raw, err := json.Marshal(params[k])
		if err != nil {
			raw = []byte("!unmarshalable")
		}
		h.Write(raw)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ToolDef describes a tool advertised by a capability provider.
type ToolDef struct {
	// Name is the canonical identifier provider__action.
	Name string `json:"name"`
	// Provider is the owning capability provider.
	Provider string `json:"provider"`
	// WireName is the identifier the provider itself accepts.
	WireName string `json:"wire_name"`
	// Description as advertised by the provider.
	Description string `json:"description"`
	// InputSchema is the JSON schema for Parameters.
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ExecutionResult captures the outcome of one dispatched tool call.
type ExecutionResult struct {
	Call       ToolCall  `json:"call"`
	Success    bool      `json:"success"`
	Content    string    `json:"content,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}
