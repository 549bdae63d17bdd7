package proxy

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/pricing"
	"github.com/tombii/better-ccflare-sub004/internal/usage"
)

// streamedSentinel is stored in place of a response body that exceeded the
// capture cap or streamed past it.
const streamedSentinel = "[streamed]"

// track accumulates everything known about one client request, written out
// exactly once by record.
type track struct {
	id        string
	start     time.Time
	method    string
	path      string
	agent     string
	workspace string
	model     string
	key       *relay.APIKey

	reqHeaders http.Header
	reqBody    []byte

	account     *relay.Account
	status      int
	success     bool
	errMsg      string
	failovers   int
	clientGone  bool
	res         usage.Result
	respHeaders http.Header
	newSession  bool
}

// setCaptured stores a buffered response body when it fits the cap.
func (t *track) setCaptured(body []byte, captureCap int) {
	if captureCap > 0 && len(body) <= captureCap {
		t.res.Captured = body
		t.res.Truncated = false
		return
	}
	t.res.Truncated = true
	t.res.Captured = nil
}

// record finalizes telemetry for a finished request: cost, the audit row,
// the payload row, account usage bookkeeping, and spend accounting. All
// persistence goes through the async writer so the hot path never touches
// the database.
func (e *Engine) record(t *track) {
	now := e.now()
	model := t.res.Model
	if model == "" {
		model = t.model
	}

	cost := pricing.Cost(model, t.res.Tokens)

	rec := &relay.RequestRecord{
		ID:               t.id,
		Timestamp:        t.start.UnixMilli(),
		Method:           t.method,
		Path:             t.path,
		StatusCode:       t.status,
		Success:          t.success,
		ErrorMessage:     t.errMsg,
		ResponseTimeMs:   now.Sub(t.start).Milliseconds(),
		FailoverAttempts: t.failovers,

		Model:                    model,
		InputTokens:              t.res.Tokens.InputTokens,
		CacheReadInputTokens:     t.res.Tokens.CacheReadInputTokens,
		CacheCreationInputTokens: t.res.Tokens.CacheCreationInputTokens,
		OutputTokens:             t.res.Tokens.OutputTokens,
		TotalTokens:              t.res.Tokens.Total(),
		CostUSD:                  cost,

		AgentUsed:             t.agent,
		OutputTokensPerSecond: t.res.OutputTokensPerSecond,
	}
	if t.account != nil {
		rec.AccountUsed = t.account.ID
	}
	if t.key != nil {
		rec.APIKeyID = t.key.ID
	}

	e.deps.Writer.Enqueue(relay.InsertRequestJob{
		Record:  rec,
		Payload: t.payload(),
	})

	if t.account != nil {
		e.deps.Writer.Enqueue(relay.AccountUsedJob{
			AccountID:  t.account.ID,
			At:         now.UnixMilli(),
			NewSession: t.newSession,
		})
		if t.newSession {
			e.deps.Accounts.Invalidate()
		}
	}
	if t.key != nil {
		e.deps.Writer.Enqueue(relay.TouchKeyJob{KeyID: t.key.ID, At: now.UnixMilli()})
	}
	if t.workspace != "" {
		e.deps.Writer.Enqueue(relay.TouchWorkspaceJob{Name: t.workspace, At: now.UnixMilli()})
	}

	if e.deps.Guard != nil && t.key != nil && cost > 0 {
		e.deps.Guard.Record(t.key.ID, cost)
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.RecordTokens(model,
			t.res.Tokens.InputTokens,
			t.res.Tokens.OutputTokens,
			t.res.Tokens.CacheReadInputTokens,
			t.res.Tokens.CacheCreationInputTokens)
		e.deps.Metrics.WriterQueueDepth.Set(float64(e.deps.Writer.QueueDepth()))
	}
}

// payload builds the raw-payload row. The response body is the captured
// bytes when they fit the cap, a sentinel otherwise.
func (t *track) payload() *relay.RequestPayload {
	respBody := streamedSentinel
	if !t.res.Truncated && len(t.res.Captured) > 0 {
		respBody = string(t.res.Captured)
	}
	p := &relay.RequestPayload{
		RequestID:          t.id,
		RequestHeadersJSON: marshalHeaders(t.reqHeaders),
		RequestBodyB64:     base64.StdEncoding.EncodeToString(t.reqBody),
		ResponseStatus:     t.status,
		ResponseBodyB64:    base64.StdEncoding.EncodeToString([]byte(respBody)),
		Error:              t.errMsg,
	}
	if t.respHeaders != nil {
		p.ResponseHeadersJSON = marshalHeaders(t.respHeaders)
	}
	return p
}

// marshalHeaders serializes headers for payload storage, dropping
// credentials so they never reach the database.
func marshalHeaders(h http.Header) string {
	clean := make(map[string][]string, len(h))
	for k, v := range h {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "X-Api-Key", "Cookie", "Set-Cookie":
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return "{}"
	}
	return string(b)
}
