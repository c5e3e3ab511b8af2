// Package auth provides login policies for the FTP server.
package auth

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/ftpd/server"
)

// anonymousNames are the usernames accepted by Anonymous.
var anonymousNames = []string{"anonymous", "ftp"}

// Anonymous accepts the "anonymous" and "ftp" users without a password,
// so USER alone logs the client in.
func Anonymous() server.Authenticator {
	return server.AuthenticatorFunc(func(c server.Credentials) bool {
		for _, name := range anonymousNames {
			if strings.EqualFold(c.Username, name) {
				return true
			}
		}
		return false
	})
}

// Chain accepts credentials accepted by any of the given authenticators.
func Chain(authenticators ...server.Authenticator) server.Authenticator {
	return server.AuthenticatorFunc(func(c server.Credentials) bool {
		for _, a := range authenticators {
			if a.Authenticate(c) {
				return true
			}
		}
		return false
	})
}

// DefaultMaxAttempts is the number of consecutive failed passwords after
// which Users locks an account.
const DefaultMaxAttempts = 5

// dummyHash is compared against for unknown users so that a missing
// account costs as much as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("no such user"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return hash
})

// Users checks passwords against a table of bcrypt hashes. USER alone never
// logs in, so the server always asks for a password.
type Users struct {
	mu          sync.Mutex
	hashes      map[string][]byte
	failures    map[string]int
	maxAttempts int
}

// NewUsers builds a table from username to bcrypt hash. Every hash is
// checked for a valid bcrypt cost up front.
//
// Example:
//
//	hash, _ := auth.HashPassword("secret")
//	users, err := auth.NewUsers(map[string]string{"alice": hash})
func NewUsers(hashes map[string]string) (*Users, error) {
	u := &Users{
		hashes:      make(map[string][]byte, len(hashes)),
		failures:    make(map[string]int),
		maxAttempts: DefaultMaxAttempts,
	}
	for name, hash := range hashes {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, errors.Wrapf(err, "user %s: invalid bcrypt hash", name)
		}
		u.hashes[name] = []byte(hash)
	}
	return u, nil
}

// SetMaxAttempts changes the lockout threshold. Zero disables lockout.
func (u *Users) SetMaxAttempts(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.maxAttempts = n
}

// Authenticate implements server.Authenticator.
func (u *Users) Authenticate(c server.Credentials) bool {
	if c.Password == nil {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	hash, ok := u.hashes[c.Username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(*c.Password))
		return false
	}
	if u.maxAttempts > 0 && u.failures[c.Username] >= u.maxAttempts {
		return false
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(*c.Password)) != nil {
		u.failures[c.Username]++
		return false
	}
	delete(u.failures, c.Username)
	return true
}

// Locked reports whether user has been locked out by failed attempts.
func (u *Users) Locked(user string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.maxAttempts > 0 && u.failures[user] >= u.maxAttempts
}

// Unlock clears the failed attempt counter of user.
func (u *Users) Unlock(user string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.failures, user)
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
