package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/ftpd/server"
)

func creds(user string, pass ...string) server.Credentials {
	c := server.Credentials{Username: user}
	if len(pass) > 0 {
		c.Password = &pass[0]
	}
	return c
}

func TestAnonymous(t *testing.T) {
	t.Parallel()
	a := Anonymous()
	assert.True(t, a.Authenticate(creds("anonymous")))
	assert.True(t, a.Authenticate(creds("FTP")))
	assert.True(t, a.Authenticate(creds("ftp", "me@example.com")))
	assert.False(t, a.Authenticate(creds("root")))
}

func testUsers(t *testing.T) *Users {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	u, err := NewUsers(map[string]string{"alice": string(hash)})
	require.NoError(t, err)
	return u
}

func TestUsers(t *testing.T) {
	t.Parallel()
	u := testUsers(t)

	assert.False(t, u.Authenticate(creds("alice")), "USER alone must not log in")
	assert.True(t, u.Authenticate(creds("alice", "secret")))
	assert.False(t, u.Authenticate(creds("alice", "wrong")))
	assert.False(t, u.Authenticate(creds("bob", "secret")))
}

func TestUsersLockout(t *testing.T) {
	t.Parallel()
	u := testUsers(t)
	u.SetMaxAttempts(2)

	assert.False(t, u.Authenticate(creds("alice", "x")))
	assert.False(t, u.Authenticate(creds("alice", "y")))
	assert.True(t, u.Locked("alice"))
	assert.False(t, u.Authenticate(creds("alice", "secret")))

	u.Unlock("alice")
	assert.True(t, u.Authenticate(creds("alice", "secret")))
}

func TestUsersUnknownUserCostsAHashCompare(t *testing.T) {
	t.Parallel()
	u := testUsers(t)

	cost, err := bcrypt.Cost(dummyHash())
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, cost)

	_ = dummyHash()
	start := time.Now()
	assert.False(t, u.Authenticate(creds("mallory", "guess")))
	assert.Greater(t, time.Since(start), 5*time.Millisecond, "unknown users must not return early")
	assert.False(t, u.Locked("mallory"))
}

func TestNewUsersRejectsBadHash(t *testing.T) {
	t.Parallel()
	_, err := NewUsers(map[string]string{"alice": "plaintext"})
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	t.Parallel()
	a := Chain(Anonymous(), testUsers(t))
	assert.True(t, a.Authenticate(creds("anonymous")))
	assert.True(t, a.Authenticate(creds("alice", "secret")))
	assert.False(t, a.Authenticate(creds("alice")))
}

func TestHashPassword(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))
}
