package credentials

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"
)

// ExpiryBuffer is subtracted from a token's expiry when judging validity,
// covering clock skew and the time the caller needs to use the token.
const ExpiryBuffer = 60 * time.Second

// timeNow is replaced in tests.
var timeNow = time.Now

// ErrNotFound is returned by Load and Delete when no credential is stored.
var ErrNotFound = errors.New("no stored credential")

// Store persists a single OAuth credential.
type Store interface {
	// Load returns the stored token, or ErrNotFound.
	Load(ctx context.Context) (*oauth2.Token, error)

	// Save replaces the stored token.
	Save(ctx context.Context, token *oauth2.Token) error

	// Delete removes the stored token. Deleting a missing credential returns ErrNotFound.
	Delete(ctx context.Context) error

	// Location describes where the credential lives, for display.
	Location() string
}

// IsValid reports whether token is usable at now: it carries an access token
// and does not expire within ExpiryBuffer. A zero expiry never expires.
func IsValid(token *oauth2.Token, now time.Time) bool {
	if token == nil || token.AccessToken == "" {
		return false
	}
	if token.Expiry.IsZero() {
		return true
	}
	return now.Add(ExpiryBuffer).Before(token.Expiry)
}

// storedCredential is the serialized form shared by all backends.
type storedCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func encode(token *oauth2.Token, now time.Time) ([]byte, error) {
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("cannot store a credential without an access token")
	}

	stored := storedCredential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
		CreatedAt:    now.UTC(),
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		stored.IDToken = idToken
	}
	if scope, ok := token.Extra("scope").(string); ok {
		stored.Scope = scope
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode credential")
	}
	return data, nil
}

func decode(data []byte) (*oauth2.Token, error) {
	var stored storedCredential
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.Wrap(err, "failed to decode stored credential")
	}

	token := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.Expiry,
	}

	extra := map[string]interface{}{}
	if stored.IDToken != "" {
		extra["id_token"] = stored.IDToken
	}
	if stored.Scope != "" {
		extra["scope"] = stored.Scope
	}
	if len(extra) > 0 {
		token = token.WithExtra(extra)
	}
	return token, nil
}
