package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound is returned when a state document does not exist yet.
	ErrNotFound = errors.New("document not found")

	// ErrCorrupt matches any *CorruptError.
	ErrCorrupt = errors.New("document is corrupt")
)

// CorruptError reports a state document that exists but cannot be parsed.
// Callers decide whether to treat the project as uninitialized or alert the
// user; the file is never overwritten implicitly.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

// ReadJSON decodes the named state document into v.
func (s *Store) ReadJSON(name string, v any) error {
	p := s.Path(name)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("cannot read %s: %w", p, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptError{Path: p, Err: err}
	}
	return nil
}

// WriteJSON rewrites the named state document wholesale.
func (s *Store) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.Path(name), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// WriteFile atomically writes raw bytes to a file in the state directory.
func (s *Store) WriteFile(name string, data []byte, perm os.FileMode) error {
	return writeFileAtomic(s.Path(name), data, perm)
}

// writeFileAtomic writes to a temp file in the destination directory and
// renames it into place, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
