// Package provider knows how to talk to each upstream vendor: endpoints,
// credential injection, model mapping, and the body/stream translation for
// OpenAI-compatible upstreams.
package provider

import (
	"fmt"
	"net/http"
	"strings"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// AuthStyle is how an account's credential reaches the upstream.
type AuthStyle int

const (
	// AuthBearer sends Authorization: Bearer with the OAuth access token.
	AuthBearer AuthStyle = iota
	// AuthAPIKeyHeader sends the static key in x-api-key.
	AuthAPIKeyHeader
	// AuthBearerAPIKey sends the static key as Authorization: Bearer.
	AuthBearerAPIKey
	// AuthTransport leaves headers alone; a RoundTripper injects credentials.
	AuthTransport
)

// Caps describes a provider's wire behavior.
type Caps struct {
	DefaultEndpoint  string
	Auth             AuthStyle
	RequiresEndpoint bool // account must set custom_endpoint
	OpenAIWire       bool // speaks chat/completions, needs translation
}

// anthropicBetaOAuth must accompany OAuth bearer tokens on the Anthropic API.
const anthropicBetaOAuth = "oauth-2025-04-20"

var caps = map[relay.Provider]Caps{
	relay.ProviderAnthropicOAuth:      {DefaultEndpoint: "https://api.anthropic.com", Auth: AuthBearer},
	relay.ProviderClaudeConsole:       {DefaultEndpoint: "https://api.anthropic.com", Auth: AuthAPIKeyHeader},
	relay.ProviderZai:                 {DefaultEndpoint: "https://api.z.ai/api/anthropic", Auth: AuthAPIKeyHeader},
	relay.ProviderMinimax:             {DefaultEndpoint: "https://api.minimax.io/anthropic", Auth: AuthAPIKeyHeader},
	relay.ProviderNanoGPT:             {DefaultEndpoint: "https://nano-gpt.com/api", Auth: AuthAPIKeyHeader},
	relay.ProviderAnthropicCompatible: {Auth: AuthAPIKeyHeader, RequiresEndpoint: true},
	relay.ProviderOpenAICompatible:    {Auth: AuthBearerAPIKey, RequiresEndpoint: true, OpenAIWire: true},
	relay.ProviderVertexAI:            {Auth: AuthTransport, RequiresEndpoint: true},
}

// For returns the capabilities of a provider.
func For(p relay.Provider) (Caps, error) {
	c, ok := caps[p]
	if !ok {
		return Caps{}, fmt.Errorf("unknown provider %q", p)
	}
	return c, nil
}

// BaseURL resolves the upstream base for an account: its custom endpoint
// when set, otherwise the provider default.
func BaseURL(a *relay.Account) (string, error) {
	c, err := For(a.Provider)
	if err != nil {
		return "", err
	}
	if a.CustomEndpoint != "" {
		return strings.TrimSuffix(a.CustomEndpoint, "/"), nil
	}
	if c.RequiresEndpoint {
		return "", fmt.Errorf("account %s: provider %s requires a custom endpoint", a.Name, a.Provider)
	}
	return c.DefaultEndpoint, nil
}

// SetAuth replaces any client-supplied credentials with the account's own.
// accessToken is only consulted for OAuth accounts.
func SetAuth(h http.Header, a *relay.Account, accessToken string) {
	h.Del("Authorization")
	h.Del("X-Api-Key")

	c, _ := For(a.Provider)
	switch c.Auth {
	case AuthBearer:
		h.Set("Authorization", "Bearer "+accessToken)
		appendBeta(h, anthropicBetaOAuth)
	case AuthAPIKeyHeader:
		h.Set("X-Api-Key", a.APIKey)
	case AuthBearerAPIKey:
		h.Set("Authorization", "Bearer "+a.APIKey)
	case AuthTransport:
		// Credentials ride on the transport.
	}
}

// appendBeta adds a value to anthropic-beta without clobbering what the
// client asked for.
func appendBeta(h http.Header, value string) {
	existing := h.Get("Anthropic-Beta")
	if existing == "" {
		h.Set("Anthropic-Beta", value)
		return
	}
	for _, v := range strings.Split(existing, ",") {
		if strings.TrimSpace(v) == value {
			return
		}
	}
	h.Set("Anthropic-Beta", existing+","+value)
}

// MapModel applies the account's model mapping to a requested model ID.
// Unmapped models pass through unchanged.
func MapModel(a *relay.Account, model string) string {
	if mapped, ok := a.ModelMappings[model]; ok && mapped != "" {
		return mapped
	}
	// Dated snapshots map through their family prefix.
	for from, to := range a.ModelMappings {
		if to != "" && strings.HasPrefix(model, from) {
			return to
		}
	}
	return model
}

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyHeaders copies non-hop-by-hop, non-credential headers from src to dst.
// Host-specific headers are dropped; the HTTP client sets its own.
func CopyHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" || lower == "host" ||
			lower == "content-length" || lower == "accept-encoding" {
			continue
		}
		dst[key] = vals
	}
}

// CopyResponseHeaders copies non-hop-by-hop headers from an upstream
// response to the client.
func CopyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
