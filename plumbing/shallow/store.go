package shallow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dagsync/core/plumbing/hash"
)

// ErrLocked is returned by Lock when another process already holds the
// shallow lock file.
var ErrLocked = errors.New("shallow: already locked by another process")

// Store persists the shallow boundary to a file, committing it atomically
// via a temp-file-plus-rename, synchronized across concurrent fetches by a
// fixed-path lock file.
type Store struct {
	path     string // e.g. <gitdir>/shallow
	lockPath string // e.g. <gitdir>/shallow.lock

	lock *os.File
}

// NewStore returns a Store backed by the shallow file at path.
func NewStore(path string) *Store {
	return &Store{path: path, lockPath: path + ".lock"}
}

// Load reads the persisted boundary. A missing file means "not shallow"
// and returns an empty, non-error result.
func (s *Store) Load(algo hash.Algorithm) ([]hash.ObjectID, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return decodeShallowFile(f, algo)
}

func decodeShallowFile(r io.Reader, algo hash.Algorithm) ([]hash.ObjectID, error) {
	var ids []hash.ObjectID
	buf := make([]byte, 0, algo.HexSize()+1)
	line := make([]byte, 1)
	for {
		buf = buf[:0]
		for {
			n, err := r.Read(line)
			if n == 0 && err != nil {
				if err == io.EOF && len(buf) == 0 {
					return ids, nil
				}
				if err == io.EOF {
					break
				}
				return nil, err
			}
			if line[0] == '\n' {
				break
			}
			buf = append(buf, line[0])
		}
		if len(buf) == 0 {
			return ids, nil
		}
		id, err := algo.ParseHex(string(buf))
		if err != nil {
			return nil, fmt.Errorf("shallow: %w", err)
		}
		ids = append(ids, id)
	}
}

// Lock acquires the exclusive shallow lock file. Callers must call Commit
// or Rollback to release it.
func (s *Store) Lock() error {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
	if errors.Is(err, os.ErrExist) {
		return ErrLocked
	}
	if err != nil {
		return err
	}
	s.lock = f
	return nil
}

// Commit writes roots to a temporary file and atomically renames it over
// the live shallow file, then releases the lock. If roots is empty, the
// live file is removed instead (the repository is no longer shallow).
func (s *Store) Commit(roots []hash.ObjectID) (err error) {
	defer s.releaseLock()

	if len(roots) == 0 {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return rmErr
		}
		return nil
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	for _, id := range roots {
		if _, err := fmt.Fprintf(f, "%s\n", id.String()); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Rollback discards any temp file and releases the lock without touching
// the live shallow file: a failed fetch leaves the persisted boundary
// exactly as it was.
func (s *Store) Rollback() error {
	defer s.releaseLock()
	tmp := s.path + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) releaseLock() {
	if s.lock == nil {
		return
	}
	s.lock.Close()
	os.Remove(s.lockPath)
	s.lock = nil
}

// Path returns the directory the shallow file lives in, for callers that
// need to derive sibling paths (e.g. pack .keep files).
func (s *Store) Path() string { return filepath.Dir(s.path) }
