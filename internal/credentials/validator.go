package credentials

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"loopauth/internal/oauth"
	"loopauth/pkg/logging"
)

// Refresher trades a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
}

// Validator adapts a Store to the oauth.TokenStore contract. An expired
// credential with a refresh token gets exactly one refresh attempt before the
// browser flow is deemed necessary.
type Validator struct {
	store     Store
	refresher Refresher

	// refreshGroup deduplicates concurrent refreshes of the same credential.
	refreshGroup singleflight.Group
}

var _ oauth.TokenStore = (*Validator)(nil)

// NewValidator wraps store. refresher may be nil, which disables refresh.
func NewValidator(store Store, refresher Refresher) *Validator {
	return &Validator{store: store, refresher: refresher}
}

// HasValidCredential reports whether a usable credential exists, refreshing
// it once if it has expired. Storage failures are marked oauth.ErrStorage.
func (v *Validator) HasValidCredential(ctx context.Context) (bool, error) {
	token, err := v.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logging.Debug("Credentials", "No stored credential at %s", v.store.Location())
			return false, nil
		}
		return false, errors.Mark(errors.Wrap(err, "check stored credential"), oauth.ErrStorage)
	}

	if IsValid(token, timeNow()) {
		logging.Debug("Credentials", "Stored credential is valid until %s", formatExpiry(token.Expiry))
		return true, nil
	}

	if token.RefreshToken == "" || v.refresher == nil {
		logging.Debug("Credentials", "Stored credential expired and cannot be refreshed")
		return false, nil
	}

	_, err, shared := v.refreshGroup.Do(v.store.Location(), func() (interface{}, error) {
		return v.refresh(ctx, token)
	})
	if err != nil {
		if oauth.IsStorageError(err) {
			return false, err
		}
		logging.WarnWithError("Credentials", err, "Refreshing the stored credential failed, a new login is required")
		return false, nil
	}
	if shared {
		logging.Debug("Credentials", "Joined an in-flight credential refresh")
	}
	return true, nil
}

func (v *Validator) refresh(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	// Double-check: a refresh that finished just before this one started has
	// already replaced the stored token.
	if current, err := v.store.Load(ctx); err == nil && IsValid(current, timeNow()) {
		return current, nil
	}

	fresh, err := v.refresher.Refresh(ctx, token)
	if err != nil {
		logging.Audit(logging.AuditEvent{
			Action:  "credential_refresh",
			Outcome: "failure",
			Target:  v.store.Location(),
			Error:   err,
		})
		return nil, err
	}
	if !IsValid(fresh, timeNow()) {
		return nil, errors.New("refresh returned an unusable token")
	}
	// Providers may omit the refresh token on refresh; keep the old one.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}

	if err := v.store.Save(ctx, fresh); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "persist refreshed credential"), oauth.ErrStorage)
	}

	logging.Audit(logging.AuditEvent{
		Action:  "credential_refresh",
		Outcome: "success",
		Target:  v.store.Location(),
	})
	return fresh, nil
}

// Persist stores a freshly exchanged credential.
func (v *Validator) Persist(ctx context.Context, token *oauth2.Token) error {
	if err := v.store.Save(ctx, token); err != nil {
		return errors.Mark(errors.Wrap(err, "persist credential"), oauth.ErrStorage)
	}
	return nil
}
