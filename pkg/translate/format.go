package translate

import (
	"github.com/tidwall/gjson"
)

// Format tags the client-facing wire shape of a request body.
type Format int

const (
	FormatUnknown Format = iota
	FormatOpenAI
	FormatGemini
	FormatClaude
)

func (f Format) String() string {
	switch f {
	case FormatOpenAI:
		return "openai"
	case FormatGemini:
		return "gemini"
	case FormatClaude:
		return "claude"
	default:
		return "unknown"
	}
}

// DetectFormat classifies a request body by shape. Gemini bodies carry
// contents[], Claude bodies carry messages[] with anthropic-style content
// blocks or a top-level system prompt plus max_tokens, everything else with
// messages[] is treated as OpenAI.
func DetectFormat(body []byte) Format {
	if gjson.GetBytes(body, "contents").IsArray() {
		return FormatGemini
	}
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return FormatUnknown
	}
	if gjson.GetBytes(body, "anthropic_version").Exists() {
		return FormatClaude
	}
	claudeBlocks := false
	for _, msg := range messages.Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for _, block := range content.Array() {
			switch block.Get("type").String() {
			case "tool_use", "tool_result", "thinking":
				claudeBlocks = true
			}
		}
	}
	if claudeBlocks {
		return FormatClaude
	}
	system := gjson.GetBytes(body, "system")
	if system.Exists() && gjson.GetBytes(body, "max_tokens").Exists() {
		return FormatClaude
	}
	return FormatOpenAI
}
