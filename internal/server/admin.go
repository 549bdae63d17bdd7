package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if errors.Is(err, relay.ErrNotFound) {
		writeError(w, status, "not found")
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
		slog.String("error", err.Error()),
	)
	writeError(w, status, "internal error")
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Accounts ---

// accountView decorates an account with its derived state and, when the
// usage poller has one, the latest vendor usage snapshot.
type accountView struct {
	*relay.Account
	State relay.AccountState `json:"state"`
	Usage *usageView         `json:"usage,omitempty"`
}

type usageView struct {
	Utilization float64   `json:"utilization"`
	Window      string    `json:"window"`
	FetchedAt   time.Time `json:"fetched_at"`
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	now := time.Now()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		v := accountView{Account: a, State: a.State(now)}
		if s.deps.Usage != nil {
			if snap, ok := s.deps.Usage.Get(a.ID); ok {
				v.Usage = &usageView{
					Utilization: snap.Utilization,
					Window:      snap.Window,
					FetchedAt:   snap.FetchedAt,
				}
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": views})
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteAccount(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Accounts.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// setPaused flips the operator pause flag through the async writer. The
// account must exist so a typo'd ID fails loudly instead of queueing a no-op.
func (s *server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetAccount(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Writer.Enqueue(relay.PauseAccountJob{AccountID: id, Paused: paused})
	s.deps.Accounts.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePauseAccount(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *server) handleResumeAccount(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *server) handleClearRateLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetAccount(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Writer.Enqueue(relay.ClearRateLimitJob{AccountID: id})
	s.deps.Accounts.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Priority int `json:"priority"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.SetAccountPriority(r.Context(), id, req.Priority); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Accounts.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// --- Requests ---

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	records, err := s.deps.Store.ListRequests(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, _ := s.deps.Store.CountRequests(r.Context())
	if records == nil {
		records = []*relay.RequestRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Store.GetRequest(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Store.GetPayload(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Stats ---

type statsResponse struct {
	*relay.Stats
	WriterQueueDepth int `json:"writer_queue_depth"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		window = d
	}
	stats, err := s.deps.Store.Stats(r.Context(), time.Now().Add(-window).UnixMilli())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:            stats,
		WriterQueueDepth: s.deps.Writer.QueueDepth(),
	})
}

// --- Workspaces ---

func (s *server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.deps.Store.ListWorkspaces(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if workspaces == nil {
		workspaces = []relay.Workspace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": workspaces})
}

// --- Keys ---

type keyCreateRequest struct {
	Name          string  `json:"name"`
	SpendLimitUSD float64 `json:"spend_limit_usd,omitempty"`
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*relay.APIKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*relay.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": keys})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.SpendLimitUSD < 0 {
		writeError(w, http.StatusBadRequest, "spend_limit_usd must not be negative")
		return
	}

	plaintext := newKeyPlaintext()
	key := &relay.APIKey{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Name:          req.Name,
		KeyHash:       relay.HashKey(plaintext),
		PrefixLast8:   relay.DisplayFragment(plaintext),
		CreatedAt:     time.Now(),
		IsActive:      true,
		SpendLimitUSD: req.SpendLimitUSD,
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		APIKey:       key,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleSetKeyActive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Active bool `json:"active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.SetKeyActive(r.Context(), id, req.Active); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Keys != nil {
		s.deps.Keys.InvalidateByKeyID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Keys != nil {
		s.deps.Keys.InvalidateByKeyID(id)
	}
	if s.deps.Guard != nil {
		s.deps.Guard.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// newKeyPlaintext mints a fresh client key: prefix plus 32 random bytes.
func newKeyPlaintext() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return relay.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
