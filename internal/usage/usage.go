// Package usage extracts token telemetry from upstream responses: a
// streaming tap that watches Anthropic SSE events as bytes pass through to
// the client, and a parser for non-streaming JSON bodies.
package usage

import (
	"bytes"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tombii/better-ccflare-sub004/internal/pricing"
)

// Result is the telemetry extracted from one upstream response.
type Result struct {
	Model                 string
	Tokens                pricing.Usage
	OutputTokensPerSecond float64

	// Captured is the buffered response body, valid only when !Truncated.
	Captured  []byte
	Truncated bool
}

// Tap consumes upstream response chunks as they are forwarded to the client,
// reassembles SSE events across chunk boundaries, and accumulates usage.
// It holds at most one SSE line plus the capped capture buffer; parsed
// chunks are discarded.
//
// Tap is not safe for concurrent use; the streaming pump owns it.
type Tap struct {
	line    bytes.Buffer // partial-line assembly across chunk boundaries
	event   string       // pending SSE event name
	tokens  pricing.Usage
	model   string
	first   time.Time
	last    time.Time
	capture bytes.Buffer
	capMax  int
	trunc   bool
}

// NewTap returns a Tap that captures up to captureCap bytes of the response
// body for payload persistence. captureCap <= 0 disables capture.
func NewTap(captureCap int) *Tap {
	t := &Tap{capMax: captureCap}
	if captureCap <= 0 {
		t.trunc = true
	}
	return t
}

// Consume feeds one upstream chunk into the tap.
func (t *Tap) Consume(p []byte) {
	if len(p) == 0 {
		return
	}
	now := time.Now()
	if t.first.IsZero() {
		t.first = now
	}
	t.last = now

	if !t.trunc {
		if t.capture.Len()+len(p) > t.capMax {
			t.trunc = true
			t.capture.Reset()
		} else {
			t.capture.Write(p)
		}
	}

	t.line.Write(p)
	for {
		raw := t.line.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimSuffix(string(raw[:i]), "\r")
		t.line.Next(i + 1)
		t.handleLine(line)
	}
}

func (t *Tap) handleLine(line string) {
	if line == "" || line[0] == ':' {
		return
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		t.event = value
	case "data":
		event := t.event
		if event == "" {
			event = gjson.Get(value, "type").String()
		}
		t.handleEvent(event, value)
		t.event = ""
	}
}

func (t *Tap) handleEvent(event, data string) {
	switch event {
	case "message_start":
		msg := gjson.Get(data, "message")
		if m := msg.Get("model").String(); m != "" {
			t.model = m
		}
		t.mergeUsage(msg.Get("usage"))
	case "message_delta":
		// Output counts arrive as deltas; everything else is authoritative.
		t.tokens.OutputTokens += gjson.Get(data, "usage.output_tokens").Int()
		t.mergeInputUsage(gjson.Get(data, "usage"))
	case "message_stop":
		t.mergeUsage(gjson.Get(data, "usage"))
	}
}

// mergeUsage takes every non-zero field of an Anthropic usage block.
func (t *Tap) mergeUsage(u gjson.Result) {
	if !u.Exists() {
		return
	}
	if v := u.Get("output_tokens").Int(); v > 0 {
		t.tokens.OutputTokens = v
	}
	t.mergeInputUsage(u)
}

func (t *Tap) mergeInputUsage(u gjson.Result) {
	if !u.Exists() {
		return
	}
	if v := u.Get("input_tokens").Int(); v > 0 {
		t.tokens.InputTokens = v
	}
	if v := u.Get("cache_read_input_tokens").Int(); v > 0 {
		t.tokens.CacheReadInputTokens = v
	}
	if v := u.Get("cache_creation_input_tokens").Int(); v > 0 {
		t.tokens.CacheCreationInputTokens = v
	}
}

// Finish returns the accumulated telemetry. Output tokens/second is computed
// only when at least two chunks arrived at distinct times.
func (t *Tap) Finish() Result {
	res := Result{
		Model:     t.model,
		Tokens:    t.tokens,
		Truncated: t.trunc,
	}
	if !t.trunc {
		res.Captured = t.capture.Bytes()
	}
	if !t.first.IsZero() && t.last.After(t.first) && t.tokens.OutputTokens > 0 {
		res.OutputTokensPerSecond = float64(t.tokens.OutputTokens) / t.last.Sub(t.first).Seconds()
	}
	return res
}

// ParseJSON extracts model and usage from a non-streaming Anthropic or
// OpenAI-compatible JSON response body. Unknown shapes yield a zero Result.
func ParseJSON(body []byte) Result {
	r := gjson.ParseBytes(body)
	u := r.Get("usage")
	res := Result{Model: r.Get("model").String()}
	if !u.Exists() {
		return res
	}
	if u.Get("input_tokens").Exists() {
		res.Tokens = pricing.Usage{
			InputTokens:              u.Get("input_tokens").Int(),
			OutputTokens:             u.Get("output_tokens").Int(),
			CacheReadInputTokens:     u.Get("cache_read_input_tokens").Int(),
			CacheCreationInputTokens: u.Get("cache_creation_input_tokens").Int(),
		}
		return res
	}
	// OpenAI-compatible shape.
	res.Tokens = pricing.Usage{
		InputTokens:  u.Get("prompt_tokens").Int(),
		OutputTokens: u.Get("completion_tokens").Int(),
	}
	if v := u.Get("prompt_tokens_details.cached_tokens").Int(); v > 0 {
		res.Tokens.CacheReadInputTokens = v
		res.Tokens.InputTokens -= v
	}
	return res
}
