// Package credentials stores the OAuth credential obtained by a login.
//
// Two backends implement Store:
//   - FileStore: a 0600 JSON file, written atomically under a gofrs/flock lock
//   - KeyringStore: the OS keychain via zalando/go-keyring
//
// Validator adapts either backend to oauth.TokenStore, deciding whether the
// stored credential makes the browser flow unnecessary.
//
// SECURITY: token values are never logged. Store and delete operations emit
// audit events that name only the storage location.
package credentials
