package config

import (
	"time"
)

// LoopauthConfig is the top-level configuration structure for loopauth.
type LoopauthConfig struct {
	Provider    ProviderConfig    `yaml:"provider"`
	Callback    CallbackConfig    `yaml:"callback"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
}

// ProviderConfig identifies the OAuth client. Either ClientSecretFile or the
// explicit ClientID/AuthURL/TokenURL triple must be set.
type ProviderConfig struct {
	ClientSecretFile string   `yaml:"clientSecretFile,omitempty"` // Google-style client secret JSON (preferred)
	ClientID         string   `yaml:"clientID,omitempty"`
	ClientSecret     string   `yaml:"clientSecret,omitempty"`
	AuthURL          string   `yaml:"authURL,omitempty"`
	TokenURL         string   `yaml:"tokenURL,omitempty"`
	Scopes           []string `yaml:"scopes,omitempty"`
	PKCE             bool     `yaml:"pkce"` // Send an S256 code challenge (default: true)
}

// CallbackConfig controls the local redirect listener.
type CallbackConfig struct {
	Host  string `yaml:"host,omitempty"`  // Interface to bind (default: 127.0.0.1)
	Path  string `yaml:"path,omitempty"`  // Redirect path (default: /oauth2callback)
	Ports []int  `yaml:"ports,omitempty"` // Ordered fallback list (default: 3000-3004)
}

// Credential storage backends.
const (
	BackendFile    = "file"
	BackendKeyring = "keyring"
)

// CredentialsConfig selects where the credential is stored.
type CredentialsConfig struct {
	Backend        string `yaml:"backend,omitempty"`        // file or keyring (default: file)
	Path           string `yaml:"path,omitempty"`           // File backend location (default: ~/.config/loopauth/credentials.json)
	KeyringService string `yaml:"keyringService,omitempty"` // Keyring service name (default: loopauth)
	KeyringUser    string `yaml:"keyringUser,omitempty"`    // Keyring account name (default: default)
}

// TimeoutsConfig bounds the network-facing parts of a login.
type TimeoutsConfig struct {
	Exchange time.Duration `yaml:"exchange,omitempty"` // Code-for-token exchange (default: 30s)
	Login    time.Duration `yaml:"login,omitempty"`    // Whole interactive login (default: 5m)
}

// HasClientSecretFile reports whether the provider is configured from a client secret file.
func (p ProviderConfig) HasClientSecretFile() bool {
	return p.ClientSecretFile != ""
}
