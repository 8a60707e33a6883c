package origin

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentials configures OAuth2 client-credentials auth against the
// origin.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OAuthTransport is an http.RoundTripper that injects a bearer token on
// every origin request. Tokens are cached and refreshed before expiry.
type OAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewOAuthTransport returns a transport that authenticates with cc. The
// token endpoint is called through base as well.
func NewOAuthTransport(ctx context.Context, base http.RoundTripper, cc ClientCredentials) *OAuthTransport {
	cfg := &clientcredentials.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		TokenURL:     cc.TokenURL,
		Scopes:       cc.Scopes,
	}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
	}
	return newOAuthTransportFromSource(base, cfg.TokenSource(ctx))
}

func newOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *OAuthTransport {
	return &OAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *OAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("origin: obtain token: %w", err)
	}
	r2 := r.Clone(r.Context())
	tok.SetAuthHeader(r2)
	return t.getBase().RoundTrip(r2)
}

func (t *OAuthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
