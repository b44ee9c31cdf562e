// Package logstore is a thin filesystem abstraction over the transcript log
// tree. It enumerates candidate log files and reads byte ranges; it carries
// no session or parsing logic.
package logstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound reports that a log file referenced by a caller no longer
// exists. Callers treat this as a signal to revalidate, never as fatal.
var ErrNotFound = errors.New("log file not found")

// Store enumerates and reads transcript log files.
type Store interface {
	// List returns paths of all candidate log files under the root tree.
	List() ([]string, error)

	// Size returns the current size in bytes of the file at path.
	Size(path string) (int64, error)

	// ReadRange reads bytes [from, to) of the file at path.
	ReadRange(path string, from, to int64) ([]byte, error)

	// Exists reports whether the file at path currently exists.
	Exists(path string) bool

	// Root returns the root directory of the log tree.
	Root() string
}

const logSuffix = ".jsonl"

// FSStore implements Store over a local directory tree.
type FSStore struct {
	root string
}

// NewFSStore creates a Store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{root: dir}
}

// Root returns the root directory of the log tree.
func (s *FSStore) Root() string {
	return s.root
}

// List walks the root tree and returns every .jsonl file path found.
// A missing root is treated as an empty tree, not an error.
func (s *FSStore) List() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), logSuffix) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk log root %s: %w", s.root, err)
	}
	return paths, nil
}

// Size returns the current size of the file at path.
func (s *FSStore) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("stat %s: %w", path, ErrNotFound)
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// ReadRange reads bytes [from, to) of the file at path. A short file yields
// whatever bytes exist past from without error.
func (s *FSStore) ReadRange(path string, from, to int64) ([]byte, error) {
	if to <= from {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s to %d: %w", path, from, err)
	}

	buf := make([]byte, to-from)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read %s [%d,%d): %w", path, from, to, err)
	}
	return buf[:n], nil
}

// Exists reports whether the file at path currently exists.
func (s *FSStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
