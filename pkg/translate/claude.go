package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ClaudeRequestToGemini converts an Anthropic messages body into the
// upstream request shape. Tool results are matched back to function names
// through the tool_use ids seen earlier in the conversation.
func ClaudeRequestToGemini(body []byte) (*TranslatedRequest, error) {
	rawModel := gjson.GetBytes(body, "model").String()
	if rawModel == "" {
		return nil, fmt.Errorf("request missing model")
	}
	model, thinking := SplitModelSuffix(rawModel)
	if thinking == nil {
		if t := gjson.GetBytes(body, "thinking"); t.Get("type").String() == "enabled" {
			budget := int(t.Get("budget_tokens").Int())
			if budget <= 0 {
				budget = thinkingBudgetDefault
			}
			thinking = &ThinkingSpec{Budget: budget, IncludeThoughts: true}
		}
	}

	var contents []any
	toolNameByUseID := map[string]string{}

	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		role := "user"
		if msg.Get("role").String() == "assistant" {
			role = "model"
		}
		parts := claudeContentToParts(msg.Get("content"), toolNameByUseID)
		if len(parts) > 0 {
			contents = append(contents, map[string]any{"role": role, "parts": parts})
		}
	}

	request := map[string]any{
		"contents":       contents,
		"safetySettings": MergeSafetySettings(nil),
	}
	if text := claudeSystemText(gjson.GetBytes(body, "system")); text != "" {
		request["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": text}},
		}
	}
	if decls := claudeToolsToDeclarations(body); len(decls) > 0 {
		request["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}
	if gc := claudeGenerationConfig(body, thinking); len(gc) > 0 {
		request["generationConfig"] = gc
	}

	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	return &TranslatedRequest{
		Model:   model,
		Request: encoded,
		Stream:  gjson.GetBytes(body, "stream").Bool(),
	}, nil
}

func claudeSystemText(system gjson.Result) string {
	if system.Type == gjson.String {
		return system.String()
	}
	if !system.IsArray() {
		return ""
	}
	var b strings.Builder
	for _, block := range system.Array() {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
	}
	return b.String()
}

func claudeContentToParts(content gjson.Result, toolNameByUseID map[string]string) []any {
	if content.Type == gjson.String {
		if s := content.String(); s != "" {
			return []any{map[string]any{"text": s}}
		}
		return nil
	}
	if !content.IsArray() {
		return nil
	}
	var parts []any
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"text": block.Get("text").String()})
		case "thinking":
			parts = append(parts, map[string]any{"text": block.Get("thinking").String(), "thought": true})
		case "image":
			src := block.Get("source")
			if src.Get("type").String() == "base64" {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{
						"mimeType": src.Get("media_type").String(),
						"data":     src.Get("data").String(),
					},
				})
			}
		case "tool_use":
			name := NormalizeFunctionName(block.Get("name").String())
			toolNameByUseID[block.Get("id").String()] = name
			args := map[string]any{}
			if input := block.Get("input"); input.Exists() {
				_ = json.Unmarshal([]byte(input.Raw), &args)
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": name, "args": args},
			})
		case "tool_result":
			name := toolNameByUseID[block.Get("tool_use_id").String()]
			if name == "" {
				name = "tool"
			}
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     name,
					"response": map[string]any{"result": claudeToolResultText(block.Get("content"))},
				},
			})
		}
	}
	return parts
}

func claudeToolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return content.Raw
	}
	var b strings.Builder
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
	}
	return b.String()
}

func claudeToolsToDeclarations(body []byte) []any {
	var decls []any
	for _, tool := range gjson.GetBytes(body, "tools").Array() {
		name := tool.Get("name").String()
		if name == "" {
			continue
		}
		decl := map[string]any{"name": NormalizeFunctionName(name)}
		if desc := tool.Get("description").String(); desc != "" {
			decl["description"] = desc
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			var decoded any
			if err := json.Unmarshal([]byte(schema.Raw), &decoded); err == nil {
				decl["parameters"] = SanitizeSchema(decoded)
			}
		}
		decls = append(decls, decl)
	}
	return decls
}

func claudeGenerationConfig(body []byte, thinking *ThinkingSpec) map[string]any {
	gc := map[string]any{}
	if v := gjson.GetBytes(body, "temperature"); v.Exists() {
		gc["temperature"] = v.Float()
	}
	if v := gjson.GetBytes(body, "top_p"); v.Exists() {
		gc["topP"] = v.Float()
	}
	if v := gjson.GetBytes(body, "max_tokens"); v.Exists() {
		gc["maxOutputTokens"] = v.Int()
	}
	if stops := gjson.GetBytes(body, "stop_sequences"); stops.IsArray() {
		var seqs []any
		for _, s := range stops.Array() {
			seqs = append(seqs, s.String())
		}
		if len(seqs) > 0 {
			gc["stopSequences"] = seqs
		}
	}
	if thinking != nil {
		gc["thinkingConfig"] = map[string]any{
			"thinkingBudget":  thinking.Budget,
			"includeThoughts": thinking.IncludeThoughts,
		}
	}
	return gc
}

// GeminiResponseToClaude converts a buffered upstream response into an
// Anthropic messages response with typed content blocks.
func GeminiResponseToClaude(model string, body []byte) ([]byte, error) {
	resp := unwrapResponse(body)

	var blocks []any
	hasToolUse := false
	for _, part := range resp.Get("candidates.0.content.parts").Array() {
		if fc := part.Get("functionCall"); fc.Exists() {
			hasToolUse = true
			args := map[string]any{}
			if a := fc.Get("args"); a.Exists() {
				_ = json.Unmarshal([]byte(a.Raw), &args)
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    "toolu_" + uuid.NewString(),
				"name":  fc.Get("name").String(),
				"input": args,
			})
			continue
		}
		if text := part.Get("text"); text.Exists() {
			if part.Get("thought").Bool() {
				blocks = append(blocks, map[string]any{"type": "thinking", "thinking": text.String()})
			} else {
				blocks = append(blocks, map[string]any{"type": "text", "text": text.String()})
			}
		}
	}

	meta := resp.Get("usageMetadata")
	out := map[string]any{
		"id":          "msg_" + uuid.NewString(),
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     blocks,
		"stop_reason": mapClaudeStopReason(resp.Get("candidates.0.finishReason").String(), hasToolUse),
		"usage": map[string]any{
			"input_tokens":  meta.Get("promptTokenCount").Int(),
			"output_tokens": meta.Get("candidatesTokenCount").Int() + meta.Get("thoughtsTokenCount").Int(),
		},
	}
	return json.Marshal(out)
}

func mapClaudeStopReason(reason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}
