package provider

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// openAIRequest is the chat/completions request body sent to
// OpenAI-compatible upstreams.
type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMsg     `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions json.RawMessage `json:"stream_options,omitempty"`
	Stop          json.RawMessage `json:"stop,omitempty"`
	Tools         []openAITool    `json:"tools,omitempty"`
}

type openAIMsg struct {
	Role       string          `json:"role"`
	Content    any             `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToOpenAIRequest translates an Anthropic Messages request body into the
// chat/completions format. model is the already-mapped upstream model ID.
func ToOpenAIRequest(body []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(body)
	out := openAIRequest{
		Model:  model,
		Stream: r.Get("stream").Bool(),
	}
	if v := r.Get("max_tokens"); v.Exists() {
		out.MaxTokens = int(v.Int())
	}
	if v := r.Get("temperature"); v.Exists() {
		t := v.Float()
		out.Temperature = &t
	}
	if v := r.Get("top_p"); v.Exists() {
		t := v.Float()
		out.TopP = &t
	}
	if v := r.Get("stop_sequences"); v.Exists() {
		out.Stop = json.RawMessage(v.Raw)
	}
	if out.Stream {
		out.StreamOptions = json.RawMessage(`{"include_usage":true}`)
	}

	if sys := r.Get("system"); sys.Exists() {
		out.Messages = append(out.Messages, openAIMsg{Role: "system", Content: flattenText(sys)})
	}

	var err error
	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		msgs, convErr := convertMessage(m)
		if convErr != nil {
			err = convErr
			return false
		}
		out.Messages = append(out.Messages, msgs...)
		return true
	})
	if err != nil {
		return nil, err
	}

	r.Get("tools").ForEach(func(_, t gjson.Result) bool {
		out.Tools = append(out.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Get("name").String(),
				Description: t.Get("description").String(),
				Parameters:  rawOrNil(t.Get("input_schema")),
			},
		})
		return true
	})

	return json.Marshal(out)
}

// convertMessage maps one Anthropic message to one or more OpenAI messages.
// Tool results inside a user message become separate role:"tool" messages.
func convertMessage(m gjson.Result) ([]openAIMsg, error) {
	role := m.Get("role").String()
	content := m.Get("content")

	if content.Type == gjson.String {
		return []openAIMsg{{Role: role, Content: content.String()}}, nil
	}
	if !content.IsArray() {
		return nil, fmt.Errorf("unsupported message content for role %q", role)
	}

	var out []openAIMsg
	var text string
	var toolCalls []map[string]any

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text += block.Get("text").String()
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		case "tool_result":
			out = append(out, openAIMsg{
				Role:       "tool",
				ToolCallID: block.Get("tool_use_id").String(),
				Content:    flattenText(block.Get("content")),
			})
		}
		return true
	})

	if text != "" || toolCalls != nil {
		msg := openAIMsg{Role: role, Content: text}
		if toolCalls != nil {
			raw, err := json.Marshal(toolCalls)
			if err != nil {
				return nil, err
			}
			msg.ToolCalls = raw
		}
		out = append([]openAIMsg{msg}, out...)
	}
	return out, nil
}

// flattenText collapses a string-or-blocks content value into plain text.
func flattenText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var text string
	v.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
		return true
	})
	return text
}

func rawOrNil(v gjson.Result) json.RawMessage {
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

// FromOpenAIResponse translates a non-streaming chat/completions response
// into an Anthropic Messages response. model is the model the client asked
// for, so mapped upstream IDs do not leak back.
func FromOpenAIResponse(body []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(body)
	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil, fmt.Errorf("chat completion missing choices")
	}

	var content []map[string]any
	if text := choice.Get("message.content").String(); text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		var input any = map[string]any{}
		if args := tc.Get("function.arguments").String(); args != "" {
			var parsed any
			if json.Unmarshal([]byte(args), &parsed) == nil {
				input = parsed
			}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": input,
		})
		return true
	})
	if content == nil {
		content = []map[string]any{}
	}

	out := map[string]any{
		"id":            r.Get("id").String(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReasonFromFinish(choice.Get("finish_reason").String()),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  r.Get("usage.prompt_tokens").Int(),
			"output_tokens": r.Get("usage.completion_tokens").Int(),
		},
	}
	return json.Marshal(out)
}

func stopReasonFromFinish(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}
