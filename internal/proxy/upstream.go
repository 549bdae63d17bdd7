package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/provider"
	"github.com/tombii/better-ccflare-sub004/internal/usage"
)

// maxResponseBody caps buffered (non-streaming) upstream bodies so a
// misbehaving upstream cannot cause unbounded allocation.
const maxResponseBody = 32 << 20

// readBody drains the client request body, enforcing the size cap.
func readBody(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, max))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, relay.ErrPayloadTooLarge
		}
		return nil, err
	}
	return body, nil
}

// send builds and issues one upstream request for a candidate account. The
// body is rewritten for OpenAI-wire providers; otherwise only the model field
// is remapped when the account carries mappings.
func (e *Engine) send(ctx context.Context, a *relay.Account, caps provider.Caps, base string, r *http.Request, t *track, accessToken string) (*http.Response, error) {
	path := r.URL.Path
	outBody := t.reqBody
	upstreamModel := provider.MapModel(a, t.model)

	if caps.OpenAIWire {
		if strings.HasSuffix(path, "/messages") {
			path = "/chat/completions"
		}
		b, err := provider.ToOpenAIRequest(t.reqBody, upstreamModel)
		if err != nil {
			return nil, fmt.Errorf("translate request: %w", err)
		}
		outBody = b
	} else if upstreamModel != t.model {
		outBody = rewriteModel(t.reqBody, upstreamModel)
	}

	target := base + path
	if q := r.URL.RawQuery; q != "" {
		target += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(outBody))
	if err != nil {
		return nil, err
	}
	provider.CopyHeaders(req.Header, r.Header)
	req.Header.Set("Content-Type", "application/json")
	provider.SetAuth(req.Header, a, accessToken)

	client := e.deps.Client
	if caps.Auth == provider.AuthTransport && e.deps.GCPClient != nil {
		client = e.deps.GCPClient
	}

	started := e.now()
	resp, err := client.Do(req)
	if err == nil && e.deps.Metrics != nil {
		e.deps.Metrics.UpstreamDuration.
			WithLabelValues(string(a.Provider), t.model).
			Observe(time.Since(started).Seconds())
	}
	return resp, err
}

// rewriteModel splices a replacement model id into the raw JSON body without
// reshaping anything else.
func rewriteModel(body []byte, model string) []byte {
	v := gjson.Get(string(body), "model")
	if !v.Exists() || v.Type != gjson.String || v.String() == model {
		return body
	}
	out := make([]byte, 0, len(body)+len(model))
	out = append(out, body[:v.Index]...)
	out = strconv.AppendQuote(out, model)
	out = append(out, body[v.Index+len(v.Raw):]...)
	return out
}

// relay forwards a classified upstream response (2xx success or terminal
// 4xx) to the client, tapping it for usage telemetry, then records the
// request. Once headers are committed there is no more failover.
func (e *Engine) relay(w http.ResponseWriter, resp *http.Response, t *track, a *relay.Account, caps provider.Caps) {
	defer resp.Body.Close()

	streaming := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	provider.CopyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("X-Proxy-Account", a.Name)
	w.Header().Set("X-Request-Id", t.id)

	t.status = resp.StatusCode
	t.success = success
	t.respHeaders = resp.Header

	switch {
	case success && caps.OpenAIWire:
		e.relayTranslated(w, resp, t, streaming)
	case success && streaming:
		e.relayStream(w, resp, t)
	default:
		e.relayBuffered(w, resp, t, success)
	}

	e.record(t)
}

// relayStream pumps Anthropic SSE bytes to the client verbatim while the tap
// extracts usage from the same chunks.
func (e *Engine) relayStream(w http.ResponseWriter, resp *http.Response, t *track) {
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	tap := usage.NewTap(e.opts.CaptureBytes)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			tap.Consume(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Bytes already reached the client; partial telemetry
				// still counts as success.
				t.clientGone = true
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			t.success = false
			t.errMsg = fmt.Sprintf("upstream stream error: %v", rerr)
			break
		}
	}
	t.res = tap.Finish()
}

// relayTranslated serves an OpenAI-wire success to an Anthropic-protocol
// client: streams are re-emitted event by event, bodies are reshaped.
func (e *Engine) relayTranslated(w http.ResponseWriter, resp *http.Response, t *track, streaming bool) {
	w.Header().Del("Content-Length")

	if streaming {
		w.WriteHeader(resp.StatusCode)
		tap := usage.NewTap(e.opts.CaptureBytes)
		cw := &clientWriter{w: &flushWriter{w: w}}
		// Tap first: it never fails, so usage already emitted is counted
		// even when the client write aborts the stream.
		dst := io.MultiWriter(tapWriter{tap}, cw)
		if err := provider.TranslateOpenAIStream(resp.Body, dst, t.model); err != nil {
			if cw.failed {
				// Bytes already reached the client; partial telemetry
				// still counts as success.
				t.clientGone = true
			} else {
				t.success = false
				t.errMsg = fmt.Sprintf("translate stream: %v", err)
			}
		}
		t.res = tap.Finish()
		return
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		t.success = false
		t.errMsg = fmt.Sprintf("read upstream body: %v", err)
		return
	}
	translated, err := provider.FromOpenAIResponse(raw, t.model)
	if err != nil {
		t.success = false
		t.errMsg = fmt.Sprintf("translate response: %v", err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	t.res = usage.ParseJSON(raw)
	t.res.Model = t.model
	t.setCaptured(translated, e.opts.CaptureBytes)
	w.WriteHeader(resp.StatusCode)
	w.Write(translated) //nolint:errcheck // client disconnect is benign here
}

// relayBuffered handles non-streaming passthrough, both success and verbatim
// 4xx client errors.
func (e *Engine) relayBuffered(w http.ResponseWriter, resp *http.Response, t *track, success bool) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		t.success = false
		t.errMsg = fmt.Sprintf("read upstream body: %v", err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if success {
		t.res = usage.ParseJSON(raw)
	} else if msg := gjson.GetBytes(raw, "error.message").String(); msg != "" {
		t.errMsg = msg
	}
	t.setCaptured(raw, e.opts.CaptureBytes)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	w.Write(raw) //nolint:errcheck // client disconnect is benign here
}

// writeFailure emits the terminal JSON error for requests no account could
// serve: 413 on oversized bodies, 503 otherwise, with the attempt summary
// and the nearest reset as Retry-After.
func (e *Engine) writeFailure(w http.ResponseWriter, t *track, attempts []attemptInfo, nearestReset int64) {
	if attempts == nil {
		attempts = []attemptInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", t.id)
	if nearestReset > 0 {
		if secs := (nearestReset - e.now().UnixMilli() + 999) / 1000; secs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	w.WriteHeader(t.status)
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"error":      t.errMsg,
		"attempts":   attempts,
		"request_id": t.id,
	})
}

func drainBody(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck
	resp.Body.Close()
}

// flushWriter flushes after every write so SSE events leave as they are
// produced.
type flushWriter struct {
	w http.ResponseWriter
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

// clientWriter remembers whether a write toward the client ever failed, so
// stream translation can tell a dropped client from an upstream error.
type clientWriter struct {
	w      io.Writer
	failed bool
}

func (c *clientWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		c.failed = true
	}
	return n, err
}

// tapWriter adapts a usage.Tap to io.Writer for stream translation.
type tapWriter struct {
	tap *usage.Tap
}

func (t tapWriter) Write(p []byte) (int, error) {
	t.tap.Consume(p)
	return len(p), nil
}
