// Package memory is an in-memory storage hierarchy for the FTP server,
// useful for tests and for serving generated content.
package memory

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

type node struct {
	children map[string]*node // nil for files
	data     []byte
}

func (n *node) isDir() bool { return n.children != nil }

// FS is an in-memory hierarchy. It is safe for concurrent use.
type FS struct {
	mu   sync.RWMutex
	root *node
}

// New returns an empty hierarchy containing only "/".
func New() *FS {
	return &FS{root: &node{children: map[string]*node{}}}
}

func split(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

func (m *FS) lookup(p string) (*node, error) {
	n := m.root
	for _, name := range split(p) {
		if !n.isDir() {
			return nil, &fs.PathError{Op: "lookup", Path: p, Err: fs.ErrNotExist}
		}
		child, ok := n.children[name]
		if !ok {
			return nil, &fs.PathError{Op: "lookup", Path: p, Err: fs.ErrNotExist}
		}
		n = child
	}
	return n, nil
}

// parent returns the directory that holds p and p's base name.
func (m *FS) parent(op, p string) (*node, string, error) {
	parts := split(p)
	if len(parts) == 0 {
		return nil, "", &fs.PathError{Op: op, Path: p, Err: fs.ErrExist}
	}
	dir, err := m.lookup("/" + strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
	}
	if !dir.isDir() {
		return nil, "", &fs.PathError{Op: op, Path: p, Err: fs.ErrInvalid}
	}
	return dir, parts[len(parts)-1], nil
}

// List returns the sorted names in dir.
func (m *FS) List(dir string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, err := m.lookup(dir)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, &fs.PathError{Op: "list", Path: dir, Err: fs.ErrInvalid}
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateDir creates an empty directory. The parent must exist.
func (m *FS) CreateDir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, err := m.parent("mkdir", p)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	dir.children[name] = &node{children: map[string]*node{}}
	return nil
}

// ReadFile returns a copy of the file's contents.
func (m *FS) ReadFile(p string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if n.isDir() {
		return nil, &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
	}
	return append([]byte(nil), n.data...), nil
}

// WriteFile creates or replaces a file. The parent must exist.
func (m *FS) WriteFile(p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, name, err := m.parent("write", p)
	if err != nil {
		return err
	}
	if existing, ok := dir.children[name]; ok && existing.isDir() {
		return &fs.PathError{Op: "write", Path: p, Err: fs.ErrInvalid}
	}
	dir.children[name] = &node{data: append([]byte(nil), data...)}
	return nil
}

// MkdirAll creates p and any missing parents.
func (m *FS) MkdirAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.root
	for _, name := range split(p) {
		child, ok := n.children[name]
		if !ok {
			child = &node{children: map[string]*node{}}
			n.children[name] = child
		}
		if !child.isDir() {
			return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrInvalid}
		}
		n = child
	}
	return nil
}
