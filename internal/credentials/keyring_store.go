package credentials

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"

	"loopauth/pkg/logging"
)

const (
	// DefaultKeyringService is the keyring service name for stored credentials.
	DefaultKeyringService = "loopauth"

	// DefaultKeyringUser is the keyring account name for stored credentials.
	DefaultKeyringUser = "default"
)

// KeyringStore keeps the credential in the OS keychain (macOS Keychain,
// Secret Service, Windows Credential Manager).
type KeyringStore struct {
	service string
	user    string
}

var _ Store = (*KeyringStore)(nil)

// NewKeyringStore returns a keyring-backed store. Empty names fall back to defaults.
func NewKeyringStore(service, user string) *KeyringStore {
	if service == "" {
		service = DefaultKeyringService
	}
	if user == "" {
		user = DefaultKeyringUser
	}
	return &KeyringStore{service: service, user: user}
}

// Location returns keyring:<service>/<user>.
func (s *KeyringStore) Location() string {
	return "keyring:" + s.service + "/" + s.user
}

// Load reads the credential from the keyring.
func (s *KeyringStore) Load(_ context.Context) (*oauth2.Token, error) {
	secret, err := keyring.Get(s.service, s.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load credential from system keyring")
	}

	token, err := decode([]byte(secret))
	if err != nil {
		logging.WarnWithError("Credentials", err, "Keyring entry %s is corrupt", s.Location())
		return nil, err
	}
	return token, nil
}

// Save writes the credential to the keyring, replacing any previous entry.
func (s *KeyringStore) Save(_ context.Context, token *oauth2.Token) error {
	data, err := encode(token, timeNow())
	if err != nil {
		return err
	}

	if err := keyring.Set(s.service, s.user, string(data)); err != nil {
		logging.Audit(logging.AuditEvent{
			Action:  "credential_store",
			Outcome: "failure",
			Target:  s.Location(),
			Error:   err,
		})
		return errors.WithHint(
			errors.Wrap(err, "failed to save credential to system keyring"),
			"Make sure the login keychain is unlocked, or use credentials.backend: file.")
	}

	logging.Audit(logging.AuditEvent{
		Action:  "credential_store",
		Outcome: "success",
		Target:  s.Location(),
	})
	return nil
}

// Delete removes the keyring entry.
func (s *KeyringStore) Delete(_ context.Context) error {
	if err := keyring.Delete(s.service, s.user); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		return errors.Wrap(err, "failed to delete credential from system keyring")
	}

	logging.Audit(logging.AuditEvent{
		Action:  "credential_delete",
		Outcome: "success",
		Target:  s.Location(),
	})
	return nil
}
