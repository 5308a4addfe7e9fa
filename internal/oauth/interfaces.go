package oauth

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenStore is the credential storage the AuthServer depends on.
// Implementations must treat the token as opaque to callers.
type TokenStore interface {
	// HasValidCredential reports whether a usable, unexpired credential exists.
	// Errors are treated by the AuthServer as "no valid credential".
	HasValidCredential(ctx context.Context) (bool, error)

	// Persist stores the credential obtained from a successful exchange.
	Persist(ctx context.Context, token *oauth2.Token) error
}

// OAuthClient is the provider-facing half of the authorization code flow.
type OAuthClient interface {
	// AuthCodeURL builds the URL the user opens to grant consent.
	// The redirect URI encodes the bound callback port.
	AuthCodeURL(redirectURI, state string) string

	// Exchange trades an authorization code for a token. The redirect URI
	// must match the one used to build the authorization URL.
	Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error)
}

// BrowserOpener opens a URL for the user. It is a capability so the
// AuthServer can be exercised without a display.
type BrowserOpener interface {
	Open(url string) error
}

// BrowserFunc adapts a plain function to BrowserOpener.
type BrowserFunc func(url string) error

// Open implements BrowserOpener.
func (f BrowserFunc) Open(url string) error {
	return f(url)
}
