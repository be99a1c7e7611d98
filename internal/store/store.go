// Package store provides the directory abstraction the index writes
// segment and manifest files through: atomic file creation (write to a
// temp name, fsync, rename) plus a directory fsync, per spec §4.4's
// commit procedure.
//
// Grounded on acoustid-api's index/fs.go (Dir/FileReader/FileWriter
// interfaces, fsDir backed by github.com/dchest/safefile, memDir for
// tests).
package store

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/dchest/safefile"
	"github.com/pkg/errors"
)

// Reader is a file opened for random access reads.
type Reader interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// Writer is a file opened for atomic creation: Close discards the write
// unless Commit is called first.
type Writer interface {
	io.Writer
	io.Closer
	Commit() error
}

// Dir is a directory holding segment and manifest files.
type Dir interface {
	// Path returns the on-disk path, or "" for a non-durable directory.
	Path() string
	Open(name string) (Reader, error)
	Create(name string) (Writer, error)
	Remove(name string) error
	List() ([]string, error)
	// SyncDir fsyncs the directory entry itself, so a rename inside it is
	// durable. It is a no-op for non-durable directories.
	SyncDir() error
}

// IsNotExist reports whether err indicates a missing file.
func IsNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}

type fsDir struct {
	path string
}

// Open opens an existing directory, creating it first if create is true.
func Open(path string, create bool) (Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(abs); err != nil {
		if create && os.IsNotExist(err) {
			if err := os.MkdirAll(abs, 0750); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	} else if !fi.IsDir() {
		return nil, errors.New("not a directory")
	}
	return &fsDir{path: abs}, nil
}

func (d *fsDir) Path() string { return d.path }

func (d *fsDir) Open(name string) (Reader, error) {
	return os.Open(filepath.Join(d.path, name))
}

func (d *fsDir) Create(name string) (Writer, error) {
	return safefile.Create(filepath.Join(d.path, name), 0644)
}

func (d *fsDir) Remove(name string) error {
	err := os.Remove(filepath.Join(d.path, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *fsDir) List() ([]string, error) {
	infos, err := ioutil.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() {
			names = append(names, info.Name())
		}
	}
	return names, nil
}

func (d *fsDir) SyncDir() error {
	f, err := os.Open(d.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// memDir is an in-memory Dir, used by tests that don't need real files.
type memDir struct {
	entries map[string][]byte
}

// NewMemDir creates a directory that only lives in memory.
func NewMemDir() Dir {
	return &memDir{entries: make(map[string][]byte)}
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

type memWriter struct {
	bytes.Buffer
	dir  *memDir
	name string
}

func (w *memWriter) Commit() error {
	w.dir.entries[w.name] = w.Bytes()
	return nil
}

func (w *memWriter) Close() error { return nil }

func (d *memDir) Path() string { return "" }

func (d *memDir) Open(name string) (Reader, error) {
	data, ok := d.entries[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return memReader{Reader: bytes.NewReader(data)}, nil
}

func (d *memDir) Create(name string) (Writer, error) {
	return &memWriter{dir: d, name: name}, nil
}

func (d *memDir) Remove(name string) error {
	delete(d.entries, name)
	return nil
}

func (d *memDir) List() ([]string, error) {
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	return names, nil
}

func (d *memDir) SyncDir() error { return nil }
