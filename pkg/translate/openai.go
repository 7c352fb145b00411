package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// TranslatedRequest is the provider-neutral output of a request
// translation: the upstream model id and the inner Gemini-shaped request
// that the upstream clients wrap in their envelopes.
type TranslatedRequest struct {
	Model   string
	Request []byte
	Stream  bool
}

// OpenAIRequestToGemini converts an OpenAI chat-completion body into the
// upstream request shape: role remapping, inline images, tool calls and
// results, sanitized tool schemas, safety defaults, and the reasoning
// budget derived from the model suffix.
func OpenAIRequestToGemini(body []byte) (*TranslatedRequest, error) {
	rawModel := gjson.GetBytes(body, "model").String()
	if rawModel == "" {
		return nil, fmt.Errorf("request missing model")
	}
	model, thinking := SplitModelSuffix(rawModel)

	var systemParts []any
	var contents []any
	toolNameByCallID := map[string]string{}

	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")
		switch role {
		case "system", "developer":
			if text := flattenOpenAIText(content); text != "" {
				systemParts = append(systemParts, map[string]any{"text": text})
			}
		case "user":
			parts := openAIContentToParts(content)
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "user", "parts": parts})
			}
		case "assistant":
			var parts []any
			if text := flattenOpenAIText(content); text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
			for _, call := range msg.Get("tool_calls").Array() {
				name := NormalizeFunctionName(call.Get("function.name").String())
				toolNameByCallID[call.Get("id").String()] = name
				args := map[string]any{}
				if raw := call.Get("function.arguments").String(); raw != "" {
					_ = json.Unmarshal([]byte(raw), &args)
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": name, "args": args},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "model", "parts": parts})
			}
		case "tool":
			name := toolNameByCallID[msg.Get("tool_call_id").String()]
			if name == "" {
				name = NormalizeFunctionName(msg.Get("name").String())
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []any{map[string]any{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"result": flattenOpenAIText(content)},
					},
				}},
			})
		}
	}

	request := map[string]any{
		"contents":       contents,
		"safetySettings": MergeSafetySettings(nil),
	}
	if len(systemParts) > 0 {
		request["systemInstruction"] = map[string]any{"parts": systemParts}
	}
	if decls := openAIToolsToDeclarations(body); len(decls) > 0 {
		request["tools"] = []any{map[string]any{"functionDeclarations": decls}}
	}
	if gc := openAIGenerationConfig(body, thinking); len(gc) > 0 {
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

func openAIGenerationConfig(body []byte, thinking *ThinkingSpec) map[string]any {
	gc := map[string]any{}
	if v := gjson.GetBytes(body, "temperature"); v.Exists() {
		gc["temperature"] = v.Float()
	}
	if v := gjson.GetBytes(body, "top_p"); v.Exists() {
		gc["topP"] = v.Float()
	}
	if v := gjson.GetBytes(body, "max_completion_tokens"); v.Exists() {
		gc["maxOutputTokens"] = v.Int()
	} else if v := gjson.GetBytes(body, "max_tokens"); v.Exists() {
		gc["maxOutputTokens"] = v.Int()
	}
	if stop := gjson.GetBytes(body, "stop"); stop.Exists() {
		var seqs []any
		if stop.IsArray() {
			for _, s := range stop.Array() {
				seqs = append(seqs, s.String())
			}
		} else if s := stop.String(); s != "" {
			seqs = append(seqs, s)
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

func openAIToolsToDeclarations(body []byte) []any {
	var decls []any
	for _, tool := range gjson.GetBytes(body, "tools").Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		decl := map[string]any{
			"name": NormalizeFunctionName(fn.Get("name").String()),
		}
		if desc := fn.Get("description").String(); desc != "" {
			decl["description"] = desc
		}
		if params := fn.Get("parameters"); params.Exists() {
			var decoded any
			if err := json.Unmarshal([]byte(params.Raw), &decoded); err == nil {
				decl["parameters"] = SanitizeSchema(decoded)
			}
		}
		decls = append(decls, decl)
	}
	return decls
}

func flattenOpenAIText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var b strings.Builder
	for _, part := range content.Array() {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
	}
	return b.String()
}

func openAIContentToParts(content gjson.Result) []any {
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
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, map[string]any{"text": part.Get("text").String()})
		case "image_url":
			url := part.Get("image_url.url").String()
			if mime, data, ok := parseDataURL(url); ok {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": mime, "data": data},
				})
			} else if url != "" {
				parts = append(parts, map[string]any{
					"fileData": map[string]any{"fileUri": url},
				})
			}
		}
	}
	return parts
}

// parseDataURL splits "data:<mime>;base64,<payload>".
func parseDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

// unwrapResponse peels the {response: ...} envelope both upstreams wrap
// around the standard generate-content payload.
func unwrapResponse(body []byte) gjson.Result {
	if inner := gjson.GetBytes(body, "response"); inner.Exists() {
		return inner
	}
	return gjson.ParseBytes(body)
}

// GeminiResponseToOpenAI converts a buffered upstream response into an
// OpenAI chat completion.
func GeminiResponseToOpenAI(model string, body []byte, now time.Time) ([]byte, error) {
	resp := unwrapResponse(body)

	var content, reasoning strings.Builder
	var toolCalls []openai.ToolCall
	for _, part := range resp.Get("candidates.0.content.parts").Array() {
		if fc := part.Get("functionCall"); fc.Exists() {
			idx := len(toolCalls)
			toolCalls = append(toolCalls, openai.ToolCall{
				Index:    &idx,
				ID:       "call_" + uuid.NewString(),
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: fc.Get("name").String(), Arguments: fc.Get("args").Raw},
			})
			continue
		}
		if text := part.Get("text"); text.Exists() {
			if part.Get("thought").Bool() {
				reasoning.WriteString(text.String())
			} else {
				content.WriteString(text.String())
			}
		}
	}

	out := openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:             openai.ChatMessageRoleAssistant,
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
				ToolCalls:        toolCalls,
			},
			FinishReason: mapFinishReason(resp.Get("candidates.0.finishReason").String(), len(toolCalls) > 0),
		}},
		Usage: usageFromMetadata(resp.Get("usageMetadata")),
	}
	return json.Marshal(out)
}

func mapFinishReason(reason string, hasToolCalls bool) openai.FinishReason {
	if hasToolCalls {
		return openai.FinishReasonToolCalls
	}
	switch reason {
	case "MAX_TOKENS":
		return openai.FinishReasonLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return openai.FinishReasonContentFilter
	default:
		return openai.FinishReasonStop
	}
}

func usageFromMetadata(meta gjson.Result) openai.Usage {
	return openai.Usage{
		PromptTokens:     int(meta.Get("promptTokenCount").Int()),
		CompletionTokens: int(meta.Get("candidatesTokenCount").Int() + meta.Get("thoughtsTokenCount").Int()),
		TotalTokens:      int(meta.Get("totalTokenCount").Int()),
	}
}
