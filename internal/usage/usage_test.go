package usage

import (
	"testing"

	"github.com/tombii/better-ccflare-sub004/internal/pricing"
)

func feed(t *Tap, chunks ...string) {
	for _, c := range chunks {
		t.Consume([]byte(c))
	}
}

func TestTap_StreamAccumulation(t *testing.T) {
	t.Parallel()

	tap := NewTap(1 << 20)
	feed(tap,
		"event: message_start\n",
		"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-opus-4\",\"usage\":{\"input_tokens\":100,\"cache_read_input_tokens\":50}}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":10}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":12}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":20}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)
	res := tap.Finish()

	if res.Model != "claude-opus-4" {
		t.Errorf("Model = %q, want claude-opus-4", res.Model)
	}
	want := pricing.Usage{InputTokens: 100, OutputTokens: 42, CacheReadInputTokens: 50}
	if res.Tokens != want {
		t.Errorf("Tokens = %+v, want %+v", res.Tokens, want)
	}
	if res.Tokens.Total() != 192 {
		t.Errorf("Total = %d, want 192", res.Tokens.Total())
	}
	if res.Truncated {
		t.Error("Truncated = true for small stream")
	}
}

func TestTap_ChunkBoundaryInsideLine(t *testing.T) {
	t.Parallel()

	tap := NewTap(1 << 20)
	feed(tap,
		"event: message_st", "art\ndata: {\"type\":\"message_start\",\"message\":{\"mod",
		"el\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":7}}}\n\n",
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":3}}\n",
	)
	res := tap.Finish()

	if res.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q, want claude-sonnet-4", res.Model)
	}
	if res.Tokens.InputTokens != 7 || res.Tokens.OutputTokens != 3 {
		t.Errorf("Tokens = %+v", res.Tokens)
	}
}

func TestTap_EventTypeFromDataField(t *testing.T) {
	t.Parallel()

	// Some upstreams omit the event: line; the type field inside the data
	// payload still identifies the event.
	tap := NewTap(0)
	feed(tap,
		"data: {\"type\":\"message_start\",\"message\":{\"model\":\"glm-4.5\",\"usage\":{\"input_tokens\":5}}}\n",
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":9}}\n",
	)
	res := tap.Finish()

	if res.Model != "glm-4.5" || res.Tokens.OutputTokens != 9 {
		t.Errorf("res = %+v", res)
	}
	if !res.Truncated {
		t.Error("capture disabled should report Truncated")
	}
}

func TestTap_CaptureCapExceeded(t *testing.T) {
	t.Parallel()

	tap := NewTap(16)
	feed(tap, "data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":1}}\n")
	res := tap.Finish()

	if !res.Truncated {
		t.Error("want Truncated when body exceeds capture cap")
	}
	if res.Captured != nil {
		t.Error("Captured must be nil once truncated")
	}
	if res.Tokens.OutputTokens != 1 {
		t.Error("usage extraction must survive capture truncation")
	}
}

func TestTap_FinalUsageOnStop(t *testing.T) {
	t.Parallel()

	tap := NewTap(1 << 20)
	feed(tap,
		"event: message_stop\n",
		"data: {\"type\":\"message_stop\",\"usage\":{\"input_tokens\":100,\"output_tokens\":42,\"cache_read_input_tokens\":50}}\n\n",
	)
	res := tap.Finish()

	want := pricing.Usage{InputTokens: 100, OutputTokens: 42, CacheReadInputTokens: 50}
	if res.Tokens != want {
		t.Errorf("Tokens = %+v, want %+v", res.Tokens, want)
	}
}

func TestParseJSON_Anthropic(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":11,"output_tokens":22,"cache_read_input_tokens":3,"cache_creation_input_tokens":4}}`)
	res := ParseJSON(body)

	if res.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", res.Model)
	}
	want := pricing.Usage{InputTokens: 11, OutputTokens: 22, CacheReadInputTokens: 3, CacheCreationInputTokens: 4}
	if res.Tokens != want {
		t.Errorf("Tokens = %+v, want %+v", res.Tokens, want)
	}
}

func TestParseJSON_OpenAICompatible(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"glm-4.5","usage":{"prompt_tokens":30,"completion_tokens":12,"prompt_tokens_details":{"cached_tokens":10}}}`)
	res := ParseJSON(body)

	want := pricing.Usage{InputTokens: 20, OutputTokens: 12, CacheReadInputTokens: 10}
	if res.Tokens != want {
		t.Errorf("Tokens = %+v, want %+v", res.Tokens, want)
	}
}

func TestParseJSON_NoUsage(t *testing.T) {
	t.Parallel()

	res := ParseJSON([]byte(`{"error":{"type":"overloaded_error"}}`))
	if res.Tokens != (pricing.Usage{}) || res.Model != "" {
		t.Errorf("res = %+v, want zero", res)
	}
}
