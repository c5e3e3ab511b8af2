// Package boltfs stores the FTP hierarchy in a single bbolt database file.
//
// Directories are nested buckets under a root bucket; files are keys whose
// values hold the contents behind a one byte marker, so an empty file is
// never mistaken for a bucket.
package boltfs

import (
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("ftproot")

const fileMarker = 'f'

// FS is a storage hierarchy backed by bbolt. It is safe for concurrent use.
type FS struct {
	db *bolt.DB
}

// Open opens or creates the database at file.
//
// Example:
//
//	store, err := boltfs.Open("/var/lib/ftpd/files.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func Open(file string) (*FS, error) {
	db, err := bolt.Open(file, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", file)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create root bucket")
	}
	return &FS{db: db}, nil
}

// Close closes the database.
func (f *FS) Close() error {
	return f.db.Close()
}

func split(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// bucket walks to the directory named by parts.
func bucket(tx *bolt.Tx, op, p string, parts []string) (*bolt.Bucket, error) {
	b := tx.Bucket(rootBucket)
	for _, name := range parts {
		next := b.Bucket([]byte(name))
		if next == nil {
			if b.Get([]byte(name)) != nil {
				return nil, &fs.PathError{Op: op, Path: p, Err: fs.ErrInvalid}
			}
			return nil, &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
		}
		b = next
	}
	return b, nil
}

// parent returns the bucket holding p and p's base name.
func parent(tx *bolt.Tx, op, p string) (*bolt.Bucket, []byte, error) {
	parts := split(p)
	if len(parts) == 0 {
		return nil, nil, &fs.PathError{Op: op, Path: p, Err: fs.ErrExist}
	}
	b, err := bucket(tx, op, p, parts[:len(parts)-1])
	if err != nil {
		return nil, nil, err
	}
	return b, []byte(parts[len(parts)-1]), nil
}

// List returns the entry names of dir in byte order.
func (f *FS) List(dir string) ([]string, error) {
	var names []string
	err := f.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, "list", dir, split(dir))
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// CreateDir creates a directory. The parent must exist.
func (f *FS) CreateDir(p string) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b, name, err := parent(tx, "mkdir", p)
		if err != nil {
			return err
		}
		if b.Bucket(name) != nil || b.Get(name) != nil {
			return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
		}
		_, err = b.CreateBucket(name)
		return errors.Wrapf(err, "mkdir %s", p)
	})
}

// ReadFile returns a copy of the file's contents.
func (f *FS) ReadFile(p string) ([]byte, error) {
	var data []byte
	err := f.db.View(func(tx *bolt.Tx) error {
		b, name, err := parent(tx, "read", p)
		if err != nil {
			return err
		}
		if b.Bucket(name) != nil {
			return &fs.PathError{Op: "read", Path: p, Err: fs.ErrInvalid}
		}
		v := b.Get(name)
		if len(v) == 0 || v[0] != fileMarker {
			return &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
		}
		// Values are only valid inside the transaction.
		data = append([]byte{}, v[1:]...)
		return nil
	})
	return data, err
}

// WriteFile creates or replaces a file. The parent must exist.
func (f *FS) WriteFile(p string, data []byte) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		b, name, err := parent(tx, "write", p)
		if err != nil {
			return err
		}
		if b.Bucket(name) != nil {
			return &fs.PathError{Op: "write", Path: p, Err: fs.ErrInvalid}
		}
		v := make([]byte, 0, len(data)+1)
		v = append(v, fileMarker)
		v = append(v, data...)
		return b.Put(name, v)
	})
}
