package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/token"
)

// handleOAuthInit starts a PKCE login for a new OAuth account. The verifier
// is stored server-side only; the operator gets a URL to open and a session
// ID to hand back with the code.
func (s *server) handleOAuthInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountName string `json:"account_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountName == "" {
		writeError(w, http.StatusBadRequest, "account_name is required")
		return
	}
	if _, err := s.deps.Store.GetAccountByName(r.Context(), req.AccountName); err == nil {
		writeError(w, http.StatusBadRequest, "account name already in use")
		return
	} else if !errors.Is(err, relay.ErrNotFound) {
		writeAdminError(w, r, err)
		return
	}

	session := &relay.OAuthSession{
		ID:          uuid.Must(uuid.NewV7()).String(),
		AccountName: req.AccountName,
		Verifier:    token.GenerateVerifier(),
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := s.deps.Store.CreateOAuthSession(r.Context(), session); err != nil {
		writeAdminError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":    session.ID,
		"authorize_url": token.AuthorizeURL(s.deps.OAuthClientID, session.Verifier, session.ID),
	})
}

// handleOAuthCallback completes the login: exchanges the pasted code for a
// token pair and creates the account. The session is single-use.
func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "session_id and code are required")
		return
	}

	session, err := s.deps.Store.GetOAuthSession(r.Context(), req.SessionID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	// The console shows the code as "code#state"; only the code part is
	// exchanged.
	code, _, _ := strings.Cut(req.Code, "#")
	access, refresh, expiresAt, err := s.deps.Tokens.ExchangeCode(r.Context(), code, session.Verifier)
	if err != nil {
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}

	account := &relay.Account{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		Name:               session.AccountName,
		Provider:           relay.ProviderAnthropicOAuth,
		AccessToken:        access,
		RefreshToken:       refresh,
		ExpiresAt:          expiresAt,
		AutoRefreshEnabled: true,
		CreatedAt:          time.Now(),
	}
	if err := s.deps.Store.CreateAccount(r.Context(), account); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Store.DeleteOAuthSession(r.Context(), session.ID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Accounts.Invalidate()

	writeJSON(w, http.StatusCreated, accountView{Account: account, State: relay.AccountActive})
}
