// Package provider talks to the OAuth2 provider's authorization and token
// endpoints on behalf of the callback server.
package provider
