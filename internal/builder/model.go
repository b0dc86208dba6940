package builder

import "errors"

var errEmptyMessages = errors.New("builder: request has no messages")

// defaultKiroModel is used when model doesn't match any known Claude alias.
const defaultKiroModel = "CLAUDE_SONNET_4_5_20250929_V1_0"

var modelMapping = map[string]string{
	// Haiku models - lowercase dot format
	"claude-haiku-4-5":          "claude-haiku-4.5",
	"claude-haiku-4-5-20251001": "claude-haiku-4.5",
	// Opus models - lowercase dot format
	"claude-opus-4-5":          "claude-opus-4.5",
	"claude-opus-4-5-20251101": "claude-opus-4.5",
	// Sonnet models - uppercase format
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// mapModelToKiro translates a Claude model name into the upstream's modelId.
func mapModelToKiro(model string) string {
	if kiroModel, ok := modelMapping[model]; ok {
		return kiroModel
	}
	return defaultKiroModel
}
