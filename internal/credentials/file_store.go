package credentials

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"golang.org/x/oauth2"

	"loopauth/pkg/logging"
)

// DefaultCredentialsFile is the credential path relative to the home directory.
const DefaultCredentialsFile = ".config/loopauth/credentials.json"

const lockRetryDelay = 50 * time.Millisecond

// DefaultPath returns ~/.config/loopauth/credentials.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, DefaultCredentialsFile), nil
}

// FileStore keeps the credential in a JSON file.
//
// SECURITY: the directory is created 0700 and the file written 0600 through a
// temporary file and rename, so readers never observe a partial credential.
// Every operation holds an advisory lock on <path>.lock so concurrent CLI
// runs do not interleave. Token values are never logged.
type FileStore struct {
	// mu serializes goroutines of this process; lock only excludes other processes.
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store for path, or for DefaultPath when path is empty.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	path = filepath.Clean(path)

	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Location returns the credential file path.
func (s *FileStore) Location() string {
	return s.path
}

// Load reads the credential under a shared lock.
func (s *FileStore) Load(ctx context.Context) (*oauth2.Token, error) {
	if _, err := os.Stat(filepath.Dir(s.path)); errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}

	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// #nosec G304 -- path comes from configuration, not from remote input
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to read credential file %s", s.path)
	}

	token, err := decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "credential file %s is corrupt", s.path)
	}
	return token, nil
}

// Save writes the credential atomically under an exclusive lock.
func (s *FileStore) Save(ctx context.Context, token *oauth2.Token) error {
	data, err := encode(token, timeNow())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errors.Wrap(err, "failed to create credential directory")
	}

	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		logging.Audit(logging.AuditEvent{
			Action:  "credential_store",
			Outcome: "failure",
			Target:  s.path,
			Error:   err,
		})
		return err
	}

	logging.Audit(logging.AuditEvent{
		Action:  "credential_store",
		Outcome: "success",
		Target:  s.path,
	})
	logging.Debug("Credentials", "Stored credential (expiry=%s, has_refresh_token=%t)",
		formatExpiry(token.Expiry), token.RefreshToken != "")
	return nil
}

// Delete removes the credential file under an exclusive lock.
func (s *FileStore) Delete(ctx context.Context) error {
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}

	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "failed to remove credential file %s", s.path)
	}

	logging.Audit(logging.AuditEvent{
		Action:  "credential_delete",
		Outcome: "success",
		Target:  s.path,
	})
	return nil
}

// acquire takes the lock file, waiting until ctx is done.
func (s *FileStore) acquire(ctx context.Context, exclusive bool) (func(), error) {
	s.mu.Lock()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		s.mu.Unlock()
		return nil, errors.Wrapf(err, "failed to lock %s", s.lock.Path())
	}
	if !locked {
		s.mu.Unlock()
		return nil, errors.Newf("credential file %s is locked by another process", s.path)
	}

	return func() {
		if err := s.lock.Unlock(); err != nil {
			logging.WarnWithError("Credentials", err, "Failed to release lock %s", s.lock.Path())
		}
		s.mu.Unlock()
	}, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary credential file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to restrict credential file permissions")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to write credential file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "failed to sync credential file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to close credential file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrap(err, "failed to move credential file into place")
	}
	return nil
}

func formatExpiry(expiry time.Time) string {
	if expiry.IsZero() {
		return "never"
	}
	return expiry.Format(time.RFC3339)
}
