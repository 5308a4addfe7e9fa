// Package config provides configuration management for loopauth.
//
// Configuration is loaded from config.yaml in a single directory. The default
// directory is ~/.config/loopauth; the --config flag or LOOPAUTH_CONFIG
// selects another one. A missing file is not an error: defaults apply, but
// Validate then fails because no provider is configured.
//
// # File Format
//
//	provider:
//	  clientSecretFile: client_secret.json   # relative to the config directory
//	  scopes: [openid, email]
//	  pkce: true
//	callback:
//	  host: 127.0.0.1
//	  path: /oauth2callback
//	  ports: [3000, 3001, 3002, 3003, 3004]
//	credentials:
//	  backend: file                          # file | keyring
//	  path: ~/.config/loopauth/credentials.json
//	timeouts:
//	  exchange: 30s
//	  login: 5m
//
// Instead of clientSecretFile, clientID, clientSecret, authURL and tokenURL
// may be given explicitly.
package config
