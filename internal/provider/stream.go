package provider

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/tombii/better-ccflare-sub004/internal/sse"
)

// oaStreamState tracks the translation of a chat/completions SSE stream
// into Anthropic Messages events.
type oaStreamState struct {
	w     io.Writer
	model string

	started      bool
	blockIndex   int
	textOpen     bool
	toolOpen     bool
	stopReason   string
	inputTokens  int64
	outputTokens int64
}

// TranslateOpenAIStream reads chat/completions SSE chunks from body and
// writes Anthropic Messages SSE events to w. model is the client-requested
// model ID so mapped upstream names do not leak back. The caller owns
// flushing; every event is written as a complete frame.
func TranslateOpenAIStream(body io.Reader, w io.Writer, model string) error {
	state := &oaStreamState{w: w, model: model}
	scanner := sse.NewScanner(body)

	for scanner.Scan() {
		_, data, ok := sse.ParseLine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			return state.finish()
		}
		if err := state.handleChunk(data); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read upstream stream: %w", err)
	}
	// Upstream closed without [DONE]; still terminate the message.
	return state.finish()
}

func (s *oaStreamState) handleChunk(data string) error {
	r := gjson.Parse(data)

	if !s.started {
		s.started = true
		if err := s.emit("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      r.Get("id").String(),
				"type":    "message",
				"role":    "assistant",
				"model":   s.model,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}); err != nil {
			return err
		}
	}

	// The final usage-only chunk has no choices.
	if u := r.Get("usage"); u.Exists() && len(r.Get("choices").Array()) == 0 {
		s.inputTokens = u.Get("prompt_tokens").Int()
		s.outputTokens = u.Get("completion_tokens").Int()
		return nil
	}

	choice := r.Get("choices.0")
	if fr := choice.Get("finish_reason").String(); fr != "" {
		s.stopReason = stopReasonFromFinish(fr)
	}

	delta := choice.Get("delta")
	if text := delta.Get("content").String(); text != "" {
		if err := s.openTextBlock(); err != nil {
			return err
		}
		return s.emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": text},
		})
	}

	var err error
	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if name := tc.Get("function.name").String(); name != "" {
			if err = s.closeBlock(); err != nil {
				return false
			}
			s.toolOpen = true
			err = s.emit("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": s.blockIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    tc.Get("id").String(),
					"name":  name,
					"input": map[string]any{},
				},
			})
			if err != nil {
				return false
			}
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			err = s.emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
			})
			if err != nil {
				return false
			}
		}
		return true
	})
	return err
}

func (s *oaStreamState) openTextBlock() error {
	if s.textOpen {
		return nil
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	s.textOpen = true
	return s.emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
}

// closeBlock emits content_block_stop for any open block and advances the
// block index.
func (s *oaStreamState) closeBlock() error {
	if !s.textOpen && !s.toolOpen {
		return nil
	}
	err := s.emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	})
	s.textOpen = false
	s.toolOpen = false
	s.blockIndex++
	return err
}

func (s *oaStreamState) finish() error {
	if !s.started {
		return nil
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	stop := s.stopReason
	if stop == "" {
		stop = "end_turn"
	}
	if err := s.emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
		"usage": map[string]any{
			"input_tokens":  s.inputTokens,
			"output_tokens": s.outputTokens,
		},
	}); err != nil {
		return err
	}
	return s.emit("message_stop", map[string]any{"type": "message_stop"})
}

func (s *oaStreamState) emit(event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
