// Package local serves a directory of the local filesystem.
//
// Security Model:
//   - All file operations are confined to the root directory using os.Root
//   - Path traversal attacks (../) are prevented by path cleaning and by the
//     kernel-level checks of os.Root, which also refuses symlinks that
//     escape the root
//   - Read-only mode rejects CreateDir and WriteFile with fs.ErrPermission
package local

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// DefaultMaxFileSize is the largest file ReadFile loads unless changed
// with WithMaxFileSize.
const DefaultMaxFileSize = 256 << 20

// FS is a storage hierarchy rooted at a local directory.
type FS struct {
	root        *os.Root
	rootPath    string
	readOnly    bool
	maxFileSize int64
}

// Option configures an FS.
type Option func(*FS)

// WithReadOnly rejects every write operation.
func WithReadOnly(readOnly bool) Option {
	return func(f *FS) { f.readOnly = readOnly }
}

// WithMaxFileSize limits the size of files served by ReadFile. Larger files
// fail with fs.ErrInvalid.
func WithMaxFileSize(n int64) Option {
	return func(f *FS) { f.maxFileSize = n }
}

// New opens rootPath as a storage hierarchy.
// Returns an error if the root path does not exist or is not a directory.
//
// Basic usage:
//
//	store, err := local.New("/srv/ftp", local.WithReadOnly(true))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func New(rootPath string, options ...Option) (*FS, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, errors.Wrap(err, "root path validation failed")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("root path is not a directory: %s", rootPath)
	}

	// Canonicalize the root path so logs show where files really live
	rootPath, err = filepath.EvalSymlinks(rootPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve root path")
	}

	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, errors.Wrap(err, "open root")
	}

	f := &FS{root: root, rootPath: rootPath, maxFileSize: DefaultMaxFileSize}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// Path returns the resolved root directory.
func (f *FS) Path() string { return f.rootPath }

// Close releases the root directory handle.
func (f *FS) Close() error {
	return f.root.Close()
}

// rel maps a virtual absolute path to a path relative to the root handle.
// "/" becomes ".", "/foo/bar" becomes "foo/bar".
func rel(p string) string {
	p = path.Clean("/" + p)
	if p == "/" {
		return "."
	}
	return p[1:]
}

// pathError reports lookups that walk through a regular file, or that
// os.Root refuses because they leave the root, as fs.ErrInvalid. Both are
// client mistakes rather than storage faults.
func pathError(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOTDIR), errors.Is(err, syscall.ELOOP),
		strings.Contains(err.Error(), "path escapes from parent"):
		return &fs.PathError{Op: op, Path: p, Err: fs.ErrInvalid}
	}
	return err
}

// List returns the sorted entry names of dir.
func (f *FS) List(dir string) ([]string, error) {
	d, err := f.root.Open(rel(dir))
	if err != nil {
		return nil, pathError("list", dir, err)
	}
	defer d.Close()

	names, err := d.Readdirnames(-1)
	if err != nil {
		return nil, pathError("list", dir, err)
	}
	sort.Strings(names)
	return names, nil
}

// CreateDir creates a directory with 0755 permissions.
func (f *FS) CreateDir(p string) error {
	if f.readOnly {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrPermission}
	}
	return pathError("mkdir", p, f.root.Mkdir(rel(p), 0o755))
}

// ReadFile returns the contents of a regular file.
func (f *FS) ReadFile(p string) ([]byte, error) {
	file, err := f.root.Open(rel(p))
	if err != nil {
		return nil, pathError("read", p, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
	}
	if f.maxFileSize > 0 && info.Size() > f.maxFileSize {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
	}
	return io.ReadAll(file)
}

// WriteFile creates or truncates a file with 0644 permissions.
func (f *FS) WriteFile(p string, data []byte) error {
	if f.readOnly {
		return &fs.PathError{Op: "write", Path: p, Err: fs.ErrPermission}
	}
	file, err := f.root.OpenFile(rel(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return pathError("write", p, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
