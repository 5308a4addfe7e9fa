package provider

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"loopauth/internal/credentials"
	"loopauth/internal/oauth"
	"loopauth/pkg/logging"
)

// Config describes an OAuth2 client registered with a provider.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	// UsePKCE adds an S256 code challenge to the authorization request.
	UsePKCE bool
}

// Client performs the provider-facing half of the authorization code flow.
// It implements oauth.OAuthClient and credentials.Refresher.
type Client struct {
	config  *oauth2.Config
	usePKCE bool

	// verifiers maps redirect URI to the PKCE verifier sent with it.
	mu        sync.Mutex
	verifiers map[string]string
}

var (
	_ oauth.OAuthClient     = (*Client)(nil)
	_ credentials.Refresher = (*Client)(nil)
)

// NewClient builds a client from explicit endpoints.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("provider client ID is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("provider auth and token URLs are required")
	}

	return newClient(&oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		Scopes: cfg.Scopes,
	}, cfg.UsePKCE), nil
}

// NewClientFromJSON builds a client from a Google-style client secret file
// ("installed" or "web" application).
func NewClientFromJSON(data []byte, usePKCE bool, scopes ...string) (*Client, error) {
	config, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "failed to parse client secret file"),
			"Download the OAuth client JSON of a Desktop application from the provider console.")
	}
	return newClient(config, usePKCE), nil
}

func newClient(config *oauth2.Config, usePKCE bool) *Client {
	return &Client{
		config:    config,
		usePKCE:   usePKCE,
		verifiers: make(map[string]string),
	}
}

// AuthCodeURL returns the consent URL for redirectURI. Offline access and
// forced consent are requested so the provider issues a refresh token.
func (c *Client) AuthCodeURL(redirectURI, state string) string {
	cfg := c.withRedirect(redirectURI)
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}

	if c.usePKCE {
		verifier := oauth2.GenerateVerifier()
		c.mu.Lock()
		c.verifiers[redirectURI] = verifier
		c.mu.Unlock()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	return cfg.AuthCodeURL(state, opts...)
}

// Exchange trades code for a token. redirectURI must equal the one passed to
// AuthCodeURL. Failures are marked oauth.ErrExchange.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	cfg := c.withRedirect(redirectURI)

	var opts []oauth2.AuthCodeOption
	if c.usePKCE {
		c.mu.Lock()
		verifier, ok := c.verifiers[redirectURI]
		delete(c.verifiers, redirectURI)
		c.mu.Unlock()
		if !ok {
			return nil, errors.Mark(
				errors.Newf("no PKCE verifier for redirect URI %s", redirectURI), oauth.ErrExchange)
		}
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	token, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, errors.Mark(describeRetrieveError(err, "token exchange"), oauth.ErrExchange)
	}

	logging.Debug("Provider", "Token exchange succeeded (has_refresh_token=%t)", token.RefreshToken != "")
	return token, nil
}

// Refresh exchanges token's refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, errors.New("no refresh token available")
	}

	// Clearing the access token forces the token source to hit the endpoint.
	stale := *token
	stale.AccessToken = ""

	fresh, err := c.config.TokenSource(ctx, &stale).Token()
	if err != nil {
		return nil, describeRetrieveError(err, "token refresh")
	}
	return fresh, nil
}

func (c *Client) withRedirect(redirectURI string) *oauth2.Config {
	cfg := *c.config
	cfg.RedirectURL = redirectURI
	return &cfg
}

// describeRetrieveError surfaces the OAuth error code (for example
// invalid_grant) of a token endpoint failure.
func describeRetrieveError(err error, op string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
		if retrieveErr.ErrorDescription != "" {
			return errors.Wrapf(err, "%s failed: %s (%s)", op, retrieveErr.ErrorCode, retrieveErr.ErrorDescription)
		}
		return errors.Wrapf(err, "%s failed: %s", op, retrieveErr.ErrorCode)
	}
	return errors.Wrapf(err, "%s failed", op)
}
