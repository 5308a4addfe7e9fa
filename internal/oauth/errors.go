package oauth

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice on the same AuthServer.
	ErrAlreadyStarted = errors.New("auth server already started")

	// ErrStopped is returned when Start is called on, or races with, a stopped
	// AuthServer, or when its context is cancelled before the listener is up.
	ErrStopped = errors.New("auth server stopped")

	// ErrAllPortsExhausted is returned when no candidate callback port could be bound.
	ErrAllPortsExhausted = errors.New("all callback ports are in use")

	// ErrPortInUse marks a bind failure caused by the address already being in use.
	// Any other bind failure is not marked and aborts the flow.
	ErrPortInUse = errors.New("callback port in use")

	// ErrMalformedCallback is returned when the redirect carries neither code nor error.
	ErrMalformedCallback = errors.New("malformed callback: neither code nor error present")

	// ErrProviderDenied is returned when the provider redirected with an error parameter.
	ErrProviderDenied = errors.New("authorization denied by provider")

	// ErrExchange marks failures of the authorization-code-for-token exchange.
	ErrExchange = errors.New("token exchange failed")

	// ErrStorage marks failures of the credential store.
	ErrStorage = errors.New("credential storage error")
)

// IsPortInUse reports whether err was caused by a callback port already being bound.
func IsPortInUse(err error) bool {
	return errors.Is(err, ErrPortInUse)
}

// IsAllPortsExhausted reports whether err means no candidate port could be bound.
func IsAllPortsExhausted(err error) bool {
	return errors.Is(err, ErrAllPortsExhausted)
}

// IsProviderDenied reports whether err originates from a provider-side denial.
func IsProviderDenied(err error) bool {
	return errors.Is(err, ErrProviderDenied)
}

// IsExchangeError reports whether err is a token exchange failure.
func IsExchangeError(err error) bool {
	return errors.Is(err, ErrExchange)
}

// IsStorageError reports whether err is a credential storage failure.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}

// providerDeniedError builds the error for a redirect carrying an error parameter.
func providerDeniedError(result *CallbackResult) error {
	if result.ErrorDescription != "" {
		return errors.Wrapf(ErrProviderDenied, "%s - %s", result.Error, result.ErrorDescription)
	}
	return errors.Wrapf(ErrProviderDenied, "%s", result.Error)
}
