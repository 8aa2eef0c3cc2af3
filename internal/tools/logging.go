package tools

import (
	"sort"
	"strings"
)

const payloadKeysLogLimit = 256

// formatPayloadKeysForLog lists payload keys only; values may be sensitive.
func formatPayloadKeysForLog(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := strings.Join(keys, ",")
	if len(out) > payloadKeysLogLimit {
		return out[:payloadKeysLogLimit] + "...(truncated)"
	}
	return out
}
