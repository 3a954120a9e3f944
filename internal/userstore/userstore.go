// Package userstore manages on-disk user accounts: credential files,
// per-user directories, and the roster/offline subtree layout, grounded
// on the original user_create/user_check_password/user_change_password/
// user_delete. Unlike the original, the credential file stores a bcrypt
// hash rather than cleartext (see DESIGN.md's resolved Open Question).
package userstore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/bcrypt"

	"xmppd/internal/jid"
	"xmppd/internal/log"
)

// Errors returned by Store operations.
var (
	ErrConflict        = errors.New("userstore: account already exists")
	ErrInvalidUsername = errors.New("userstore: invalid username")
)

// Store manages accounts rooted at a data directory.
type Store struct {
	dataDir string
	breaker *gobreaker.CircuitBreaker
}

// New creates a Store rooted at dataDir, creating it if necessary.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "userstore: mkdir %s", dataDir)
	}
	cbSettings := gobreaker.Settings{
		Name:    "userstore-disk",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Store{
		dataDir: dataDir,
		breaker: gobreaker.NewCircuitBreaker(cbSettings),
	}, nil
}

// UserDir returns the per-user directory path for username.
func (st *Store) UserDir(username string) string {
	return filepath.Join(st.dataDir, username)
}

func (st *Store) confPath(username string) string {
	return filepath.Join(st.UserDir(username), "user.conf")
}

// RosterPath returns the roster document path for username.
func (st *Store) RosterPath(username string) string {
	return filepath.Join(st.UserDir(username), "roster.xml")
}

// OfflineDir returns the offline-message directory path for username.
func (st *Store) OfflineDir(username string) string {
	return filepath.Join(st.UserDir(username), "offline")
}

// Exists reports whether username already has an account.
func (st *Store) Exists(username string) bool {
	_, err := os.Stat(st.confPath(username))
	return err == nil
}

// Create provisions a new account directory, credential file, empty
// roster document, and offline directory. Returns ErrInvalidUsername,
// ErrConflict, or a wrapped I/O error.
func (st *Store) Create(username, password string) error {
	if !jid.ValidUsername(username) {
		return ErrInvalidUsername
	}
	if st.Exists(username) {
		return ErrConflict
	}

	userDir := st.UserDir(username)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return errors.Wrapf(err, "userstore: mkdir %s", userDir)
	}

	if err := st.writeCredential(username, password); err != nil {
		return err
	}

	if err := os.WriteFile(st.RosterPath(username), []byte("<?xml version=\"1.0\"?>\n<roster/>\n"), 0o644); err != nil {
		return errors.Wrapf(err, "userstore: write roster for %s", username)
	}

	if err := os.MkdirAll(st.OfflineDir(username), 0o755); err != nil {
		return errors.Wrapf(err, "userstore: mkdir offline dir for %s", username)
	}
	return nil
}

// ChangePassword rewrites username's credential file with a new bcrypt
// hash. Disk failures are logged and returned as a wrapped error; the
// password is then unchanged on disk.
func (st *Store) ChangePassword(username, password string) error {
	return st.writeCredential(username, password)
}

func (st *Store) writeCredential(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "userstore: hash password")
	}
	contents := "password_hash = " + string(hash) + "\n"

	_, err = st.breaker.Execute(func() (interface{}, error) {
		return nil, os.WriteFile(st.confPath(username), []byte(contents), 0o600)
	})
	if err != nil {
		log.Errorf("userstore: write credential for %s: %v", username, err)
		return errors.Wrapf(err, "userstore: write credential for %s", username)
	}
	return nil
}

// CheckPassword reports whether password matches username's stored
// bcrypt hash. A missing account or unreadable file yields false.
func (st *Store) CheckPassword(username, password string) bool {
	f, err := os.Open(st.confPath(username))
	if err != nil {
		log.Debugf("userstore: credential file not found for %s", username)
		return false
	}
	defer f.Close()

	hash := readCredentialField(f, "password_hash")
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func readCredentialField(f *os.File, key string) string {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		k := strings.TrimSpace(line[:eq])
		v := strings.TrimSpace(line[eq+1:])
		if k == key {
			return v
		}
	}
	return ""
}

// Delete removes username's account directory tree entirely: offline
// messages, roster document, credential file, and the directory itself.
// Roster entries on other users' accounts referencing this user are not
// cleaned up (preserved open-question limitation, see SPEC_FULL.md §9).
func (st *Store) Delete(username string) error {
	userDir := st.UserDir(username)
	if err := os.RemoveAll(userDir); err != nil {
		return errors.Wrapf(err, "userstore: remove %s", userDir)
	}
	return nil
}
