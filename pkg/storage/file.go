package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the durable home of the policy document.
type Store interface {
	// Save replaces the durable document atomically and returns the bytes
	// that were written. A failed save must leave the previous durable
	// copy intact.
	Save(doc *Document) ([]byte, error)
	// Load reads the durable document. A missing file is an empty
	// document, not an error.
	Load() (*Document, error)
}

// FileStore persists the document to a single file with atomic-replace
// semantics: content is written to a temp file in the same directory,
// synced, then renamed over the target. A crash mid-write leaves the
// previous document untouched.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path. The parent directory must
// exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the target file path.
func (s *FileStore) Path() string { return s.path }

// Save implements Store.
func (s *FileStore) Save(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal policy document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".policies-*.json")
	if err != nil {
		return nil, fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("sync temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("chmod temp document: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("replace policy document: %w", err)
	}
	return data, nil
}

// Load implements Store.
func (s *FileStore) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Document{Version: FormatVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy document: %w", err)
	}

	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := CheckVersion(doc.Version); err != nil {
		return nil, err
	}
	return &doc, nil
}
