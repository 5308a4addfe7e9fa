package config

import (
	"time"
)

const (
	// DefaultCallbackHost is the loopback interface the callback listener binds.
	DefaultCallbackHost = "127.0.0.1"

	// DefaultCallbackPath is the redirect path registered with the provider.
	DefaultCallbackPath = "/oauth2callback"

	// DefaultKeyringService is the keyring service name.
	DefaultKeyringService = "loopauth"

	// DefaultKeyringUser is the keyring account name.
	DefaultKeyringUser = "default"

	DefaultExchangeTimeout = 30 * time.Second
	DefaultLoginTimeout    = 5 * time.Minute
)

// DefaultCallbackPorts returns the fallback list 3000 through 3004.
func DefaultCallbackPorts() []int {
	return []int{3000, 3001, 3002, 3003, 3004}
}

// GetDefaultConfig returns the default configuration. The provider section is
// empty and must be filled from the config file.
func GetDefaultConfig() LoopauthConfig {
	return LoopauthConfig{
		Provider: ProviderConfig{
			PKCE: true,
		},
		Callback: CallbackConfig{
			Host:  DefaultCallbackHost,
			Path:  DefaultCallbackPath,
			Ports: DefaultCallbackPorts(),
		},
		Credentials: CredentialsConfig{
			Backend:        BackendFile,
			KeyringService: DefaultKeyringService,
			KeyringUser:    DefaultKeyringUser,
		},
		Timeouts: TimeoutsConfig{
			Exchange: DefaultExchangeTimeout,
			Login:    DefaultLoginTimeout,
		},
	}
}
