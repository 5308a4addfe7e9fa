package auth

import (
	"time"
)

// StatusResponse represents the structured authentication state.
type StatusResponse struct {
	// Authenticated is true when a credential is stored, valid or not.
	Authenticated bool `json:"authenticated"`

	// Credential describes the stored credential. It is nil when none exists.
	Credential *CredentialStatus `json:"credential,omitempty"`

	// Location is where the credential is (or would be) stored.
	Location string `json:"location"`

	// Backend is "file" or "keyring".
	Backend string `json:"backend"`
}

// CredentialStatus describes a stored credential without its secrets.
type CredentialStatus struct {
	// Expiry is nil for a credential that does not expire.
	Expiry *time.Time `json:"expiry,omitempty"`

	HasRefreshToken bool   `json:"has_refresh_token"`
	Valid           bool   `json:"valid"`
	TokenType       string `json:"token_type,omitempty"`
}
