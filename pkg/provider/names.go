package provider

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// NormalizeAction strips a redundant provider prefix from a wire tool
// name. Some providers advertise tools as "<provider>_<action>" or
// "<provider>__<action>"; the canonical namespace already carries the
// provider, so the prefix would otherwise double up.
func NormalizeAction(provider, wireName string) string {
	for _, prefix := range []string{provider + "__", provider + "_"} {
		if strings.HasPrefix(wireName, prefix) && len(wireName) > len(prefix) {
			return wireName[len(prefix):]
		}
	}
	return wireName
}

// convertSchema turns the typed MCP input schema into the generic map
// the validation pipeline and the LLM prompts consume.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}
