package translate

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// Frame is one client-facing SSE frame. Event is set only for formats
// whose protocol names events (Claude); the writer prefixes it as an
// "event:" line.
type Frame struct {
	Event string
	Data  []byte
}

// StreamState translates a sequence of upstream stream frames into the
// client's wire format. It is single-use, one instance per response.
type StreamState struct {
	format  Format
	model   string
	id      string
	created int64

	sentRole     bool
	toolIndex    int
	finishReason string
	hasToolCalls bool
	usage        openai.Usage

	claudeStarted  bool
	claudeBlock    string
	claudeBlockIdx int
}

func NewStreamState(format Format, model string, now time.Time) *StreamState {
	return &StreamState{
		format:  format,
		model:   model,
		id:      uuid.NewString(),
		created: now.Unix(),
	}
}

// TranslateFrame converts one upstream frame into zero or more client
// frames.
func (s *StreamState) TranslateFrame(payload []byte) ([]Frame, error) {
	resp := unwrapResponse(payload)
	if meta := resp.Get("usageMetadata"); meta.Exists() {
		s.usage = usageFromMetadata(meta)
	}
	switch s.format {
	case FormatGemini:
		return []Frame{{Data: []byte(resp.Raw)}}, nil
	case FormatClaude:
		return s.claudeFrames(resp)
	default:
		return s.openAIFrames(resp)
	}
}

// Finish returns the terminal frames after the upstream stream ends. The
// gateway appends protocol sentinels itself.
func (s *StreamState) Finish() ([]Frame, error) {
	switch s.format {
	case FormatGemini:
		return nil, nil
	case FormatClaude:
		var frames []Frame
		if !s.claudeStarted {
			frames = append(frames, s.claudeMessageStart())
			s.claudeStarted = true
		}
		frames = append(frames, s.claudeCloseBlock()...)
		delta, err := claudeEvent("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   mapClaudeStopReason(s.finishReason, s.hasToolCalls),
				"stop_sequence": nil,
			},
			"usage": map[string]any{"output_tokens": s.usage.CompletionTokens},
		})
		if err != nil {
			return nil, err
		}
		stop, err := claudeEvent("message_stop", map[string]any{"type": "message_stop"})
		if err != nil {
			return nil, err
		}
		return append(frames, delta, stop), nil
	default:
		chunk := s.newOpenAIChunk()
		chunk.Choices[0].FinishReason = mapFinishReason(s.finishReason, s.hasToolCalls)
		usage := s.usage
		chunk.Usage = &usage
		data, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}
		return []Frame{{Data: data}}, nil
	}
}

func (s *StreamState) newOpenAIChunk() openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      "chatcmpl-" + s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChatCompletionStreamChoice{{Index: 0}},
	}
}

func (s *StreamState) openAIFrames(resp gjson.Result) ([]Frame, error) {
	if fr := resp.Get("candidates.0.finishReason").String(); fr != "" {
		s.finishReason = fr
	}

	var frames []Frame
	for _, part := range resp.Get("candidates.0.content.parts").Array() {
		chunk := s.newOpenAIChunk()
		delta := &chunk.Choices[0].Delta
		if !s.sentRole {
			delta.Role = openai.ChatMessageRoleAssistant
			s.sentRole = true
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			s.hasToolCalls = true
			idx := s.toolIndex
			s.toolIndex++
			delta.ToolCalls = []openai.ToolCall{{
				Index:    &idx,
				ID:       "call_" + uuid.NewString(),
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: fc.Get("name").String(), Arguments: fc.Get("args").Raw},
			}}
		} else if text := part.Get("text"); text.Exists() {
			if part.Get("thought").Bool() {
				delta.ReasoningContent = text.String()
			} else {
				delta.Content = text.String()
			}
		} else {
			continue
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Data: data})
	}
	return frames, nil
}

func claudeEvent(event string, payload map[string]any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

func (s *StreamState) claudeMessageStart() Frame {
	f, _ := claudeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      "msg_" + s.id,
			"type":    "message",
			"role":    "assistant",
			"model":   s.model,
			"content": []any{},
			"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
	return f
}

func (s *StreamState) claudeCloseBlock() []Frame {
	if s.claudeBlock == "" {
		return nil
	}
	f, _ := claudeEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.claudeBlockIdx,
	})
	s.claudeBlock = ""
	s.claudeBlockIdx++
	return []Frame{f}
}

func (s *StreamState) claudeOpenBlock(kind string, block map[string]any) ([]Frame, error) {
	frames := s.claudeCloseBlock()
	start, err := claudeEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.claudeBlockIdx,
		"content_block": block,
	})
	if err != nil {
		return nil, err
	}
	s.claudeBlock = kind
	return append(frames, start), nil
}

func (s *StreamState) claudeFrames(resp gjson.Result) ([]Frame, error) {
	var frames []Frame
	if !s.claudeStarted {
		frames = append(frames, s.claudeMessageStart())
		s.claudeStarted = true
	}
	if fr := resp.Get("candidates.0.finishReason").String(); fr != "" {
		s.finishReason = fr
	}

	for _, part := range resp.Get("candidates.0.content.parts").Array() {
		if fc := part.Get("functionCall"); fc.Exists() {
			s.hasToolCalls = true
			opened, err := s.claudeOpenBlock("tool_use", map[string]any{
				"type":  "tool_use",
				"id":    "toolu_" + uuid.NewString(),
				"name":  fc.Get("name").String(),
				"input": map[string]any{},
			})
			if err != nil {
				return nil, err
			}
			frames = append(frames, opened...)
			delta, err := claudeEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": s.claudeBlockIdx,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": fc.Get("args").Raw},
			})
			if err != nil {
				return nil, err
			}
			frames = append(frames, delta)
			frames = append(frames, s.claudeCloseBlock()...)
			continue
		}

		text := part.Get("text")
		if !text.Exists() {
			continue
		}
		kind, deltaType, field := "text", "text_delta", "text"
		if part.Get("thought").Bool() {
			kind, deltaType, field = "thinking", "thinking_delta", "thinking"
		}
		if s.claudeBlock != kind {
			block := map[string]any{"type": kind, field: ""}
			opened, err := s.claudeOpenBlock(kind, block)
			if err != nil {
				return nil, err
			}
			frames = append(frames, opened...)
		}
		delta, err := claudeEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.claudeBlockIdx,
			"delta": map[string]any{"type": deltaType, field: text.String()},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, delta)
	}
	return frames, nil
}
