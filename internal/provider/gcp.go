package provider

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const gcpScope = "https://www.googleapis.com/auth/cloud-platform"

// GCPTransport is an http.RoundTripper that injects a GCP OAuth2 bearer
// token on every outbound request, using Application Default Credentials.
// Tokens are cached and auto-refreshed. Used for vertex-ai accounts.
type GCPTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPTransport obtains GCP credentials via ADC and wraps base with
// bearer injection.
func NewGCPTransport(ctx context.Context, base http.RoundTripper) (*GCPTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, gcpScope)
	if err != nil {
		return nil, fmt.Errorf("find GCP credentials: %w", err)
	}
	return &GCPTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
	}, nil
}

// newGCPTransportFromSource creates a GCPTransport with an explicit token
// source (used for testing).
func newGCPTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPTransport {
	return &GCPTransport{base: base, source: oauth2.ReuseTokenSource(nil, ts)}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *GCPTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *GCPTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
