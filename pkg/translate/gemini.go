package translate

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// GeminiRequestToUpstream passes a native request body through with safety
// defaults merged in. The model arrives out of band, from the request path.
func GeminiRequestToUpstream(model string, body []byte, stream bool) (*TranslatedRequest, error) {
	base, thinking := SplitModelSuffix(model)
	if base == "" {
		return nil, fmt.Errorf("request missing model")
	}

	var existing []any
	if s := gjson.GetBytes(body, "safetySettings"); s.IsArray() {
		var decoded []any
		if err := json.Unmarshal([]byte(s.Raw), &decoded); err == nil {
			existing = decoded
		}
	}
	out, err := sjson.SetBytes(body, "safetySettings", MergeSafetySettings(existing))
	if err != nil {
		return nil, fmt.Errorf("merge safety settings: %w", err)
	}
	if thinking != nil && !gjson.GetBytes(out, "generationConfig.thinkingConfig").Exists() {
		out, err = sjson.SetBytes(out, "generationConfig.thinkingConfig", map[string]any{
			"thinkingBudget":  thinking.Budget,
			"includeThoughts": thinking.IncludeThoughts,
		})
		if err != nil {
			return nil, fmt.Errorf("set thinking config: %w", err)
		}
	}
	return &TranslatedRequest{Model: base, Request: out, Stream: stream}, nil
}

// GeminiResponseFromUpstream unwraps the provider envelope so native
// clients see a standard generate-content payload.
func GeminiResponseFromUpstream(body []byte) []byte {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() {
		return []byte(inner.Raw)
	}
	return body
}
