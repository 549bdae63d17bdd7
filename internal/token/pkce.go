package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
)

// RedirectURI is the fixed callback the vendor console displays the code on.
const RedirectURI = "https://console.anthropic.com/oauth/code/callback"

// AuthorizeBase is the user-facing authorization endpoint.
const AuthorizeBase = "https://claude.ai/oauth/authorize"

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Challenge derives the S256 code challenge from a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizeURL builds the login URL an operator opens in a browser. The
// session ID rides along as OAuth state and comes back with the code.
func AuthorizeURL(clientID, verifier, sessionID string) string {
	q := url.Values{
		"code":                  {"true"},
		"client_id":             {clientID},
		"response_type":         {"code"},
		"redirect_uri":          {RedirectURI},
		"scope":                 {"org:create_api_key user:profile user:inference"},
		"code_challenge":        {Challenge(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {sessionID},
	}
	return AuthorizeBase + "?" + q.Encode()
}
