package server

import (
	"io/fs"
	"log/slog"

	"github.com/pkg/errors"
)

// Storage is the named hierarchy served to clients.
//
// All paths are absolute, slash-separated and already cleaned by the server,
// so "/" is the root and ".." never appears. Every method is called from the
// server's event loop and must not block for long.
//
// Error handling:
//   - Return fs.ErrNotExist when a path doesn't exist
//   - Return fs.ErrExist when a directory already exists
//   - Return fs.ErrPermission when access is denied
//   - The server answers these with 550; any other error is treated as an
//     I/O failure and closes the client connection
//
// Example implementation:
//
//	type readOnly struct{ files map[string][]byte }
//
//	func (r *readOnly) ReadFile(path string) ([]byte, error) {
//	    if b, ok := r.files[path]; ok {
//	        return b, nil
//	    }
//	    return nil, fs.ErrNotExist
//	}
type Storage interface {
	// List returns the entry names directly below dir.
	List(dir string) ([]string, error)

	// CreateDir creates a directory. Its parent must exist.
	CreateDir(path string) error

	// ReadFile returns the full contents of a file.
	ReadFile(path string) ([]byte, error)

	// WriteFile creates or replaces a file. It is used for seeding content;
	// no FTP command writes through it.
	WriteFile(path string, data []byte) error
}

// Credentials is what a client presented during login.
type Credentials struct {
	Username string
	// Password is nil when the client logged in without sending PASS.
	Password *string
}

// LogValue implements slog.LogValuer so passwords never reach the logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user", c.Username),
		slog.Bool("password", c.Password != nil),
	)
}

// Authenticator decides whether a set of credentials may log in.
type Authenticator interface {
	Authenticate(c Credentials) bool
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithStorage(store),
//	    server.WithAuthenticator(server.AuthenticatorFunc(func(c server.Credentials) bool {
//	        return c.Username == "anonymous"
//	    })),
//	)
type AuthenticatorFunc func(c Credentials) bool

// Authenticate calls f(c).
func (f AuthenticatorFunc) Authenticate(c Credentials) bool { return f(c) }

// StorageError records a failed storage operation and the path it was
// attempted on.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

// Recoverable reports whether the client can be told about the error with a
// 550 reply instead of being disconnected.
func (e *StorageError) Recoverable() bool {
	return errors.Is(e.Err, fs.ErrNotExist) ||
		errors.Is(e.Err, fs.ErrExist) ||
		errors.Is(e.Err, fs.ErrPermission) ||
		errors.Is(e.Err, fs.ErrInvalid)
}

func storageError(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}
