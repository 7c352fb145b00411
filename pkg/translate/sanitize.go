package translate

import (
	"strings"
)

// droppedSchemaKeywords are JSON-Schema keywords the upstream function
// declaration parser rejects.
var droppedSchemaKeywords = map[string]struct{}{
	"$schema":               {},
	"$id":                   {},
	"$defs":                 {},
	"additionalProperties":  {},
	"const":                 {},
	"default":               {},
	"examples":              {},
	"exclusiveMaximum":      {},
	"exclusiveMinimum":      {},
	"maxContains":           {},
	"maxLength":             {},
	"maxProperties":         {},
	"minContains":           {},
	"minLength":             {},
	"minProperties":         {},
	"multipleOf":            {},
	"pattern":               {},
	"patternProperties":     {},
	"unevaluatedItems":      {},
	"unevaluatedProperties": {},
}

// SanitizeSchema strips unsupported JSON-Schema keywords from a decoded
// tool parameter schema, recursively.
func SanitizeSchema(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			if _, drop := droppedSchemaKeywords[k]; drop {
				continue
			}
			out[k] = SanitizeSchema(child)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, child := range v {
			out = append(out, SanitizeSchema(child))
		}
		return out
	default:
		return node
	}
}

const maxFunctionNameLen = 63

// NormalizeFunctionName maps a tool name into the upstream's allowed
// character set: it must start with a letter or underscore, continue with
// [a-zA-Z0-9_.-], and stay under the length cap.
func NormalizeFunctionName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	first := out[0]
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z' || first == '_') {
		out = "_" + out
	}
	if len(out) > maxFunctionNameLen {
		out = out[:maxFunctionNameLen]
	}
	return out
}

// defaultSafetySettings disable upstream safety filtering for every
// category unless the client asked for something stricter.
var defaultSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// MergeSafetySettings fills in defaults for categories the client request
// did not set.
func MergeSafetySettings(existing []any) []any {
	seen := map[string]struct{}{}
	out := make([]any, 0, len(existing)+len(defaultSafetyCategories))
	for _, e := range existing {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		cat, _ := m["category"].(string)
		if cat == "" {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, m)
	}
	for _, cat := range defaultSafetyCategories {
		if _, ok := seen[cat]; ok {
			continue
		}
		out = append(out, map[string]any{"category": cat, "threshold": "BLOCK_NONE"})
	}
	return out
}
