package audit

import "strings"

// redactedPlaceholder replaces any value stored under a sensitive key.
const redactedPlaceholder = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against object keys at any
// nesting depth. The value under a matching key is replaced wholesale,
// whatever its type.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"api_key":       {},
	"apikey":        {},
	"api-key":       {},
	"token":         {},
	"secret":        {},
	"password":      {},
	"credential":    {},
	"credentials":   {},
	"access_token":  {},
	"refresh_token": {},
}

// Redact returns a copy of v with sensitive object keys replaced by
// "[REDACTED]". Arrays and nested objects are walked; non-object leaves
// are returned unchanged.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return redactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = Redact(v)
	}
	return out
}
