package server

import (
	"bytes"
	"sync"
	"testing"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// testAuthenticator lets "anonymous" in with USER alone and "alice" with
// the password "secret".
func testAuthenticator() Authenticator {
	return AuthenticatorFunc(func(c Credentials) bool {
		if c.Username == "anonymous" {
			return true
		}
		return c.Username == "alice" && c.Password != nil && *c.Password == "secret"
	})
}

// syncBuffer collects log output written by the event loop goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
