// Package store provides crash-safe key→blob persistence using files.
//
// Blobs are grouped into namespaces (one subdirectory each). A namespace must
// be initialized once via WaitForInit, which creates the directory, scans the
// existing entries, and drops any blob that fails structural validation —
// a restarted engine resumes only from rows it can still parse.
//
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The instance layer
// writes the signal row after each mutation and rehydrates it on startup.
package store

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotInitialized is returned when a namespace is used before WaitForInit.
var ErrNotInitialized = errors.New("store: namespace not initialized")

// ErrNotFound is returned by Read for a key with no persisted blob.
var ErrNotFound = errors.New("store: key not found")

// ValidateFunc checks a scanned blob for structural validity during init.
// A non-nil error drops the blob from the namespace.
type ValidateFunc func(data []byte) error

// Store persists blobs under root/<namespace>/<key>.json.
// All file operations are mutex-protected to prevent concurrent corruption.
type Store struct {
	root string

	mu         sync.Mutex
	namespaces map[string]bool // initialized namespaces
}

// Open creates a store rooted at the given directory.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{
		root:       root,
		namespaces: make(map[string]bool),
	}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// WaitForInit initializes a namespace exactly once: creates its directory,
// scans existing blobs, and removes entries that fail validation. Calling it
// again for the same namespace is a no-op. Initialization failure is fatal
// for the namespace.
func (s *Store) WaitForInit(namespace string, validate ValidateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.namespaces[namespace] {
		return nil
	}

	dir := filepath.Join(s.root, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create namespace %s: %w", namespace, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan namespace %s: %w", namespace, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if validate == nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil || validate(data) != nil {
			// Drop blobs we can no longer trust.
			_ = os.Remove(path)
		}
	}

	s.namespaces[namespace] = true
	return nil
}

// Write atomically persists a blob. The write is acknowledged only after the
// rename completes; a subsequent Read returns the new blob.
func (s *Store) Write(namespace, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.namespaces[namespace] {
		return fmt.Errorf("write %s/%s: %w", namespace, key, ErrNotInitialized)
	}

	path := s.path(namespace, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s/%s: %w", namespace, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Read returns the blob for a key, or ErrNotFound.
func (s *Store) Read(namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.namespaces[namespace] {
		return nil, fmt.Errorf("read %s/%s: %w", namespace, key, ErrNotInitialized)
	}

	data, err := os.ReadFile(s.path(namespace, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s/%s: %w", namespace, key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	return data, nil
}

// Has reports whether a blob exists for the key.
func (s *Store) Has(namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.namespaces[namespace] {
		return false, fmt.Errorf("has %s/%s: %w", namespace, key, ErrNotInitialized)
	}

	_, err := os.Stat(s.path(namespace, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("has %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Delete removes a blob. Deleting a missing key is a no-op.
func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.namespaces[namespace] {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, ErrNotInitialized)
	}

	if err := os.Remove(s.path(namespace, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys lists every key currently persisted in a namespace.
func (s *Store) Keys(namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.namespaces[namespace] {
		return nil, fmt.Errorf("keys %s: %w", namespace, ErrNotInitialized)
	}

	entries, err := os.ReadDir(filepath.Join(s.root, namespace))
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", namespace, err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *Store) path(namespace, key string) string {
	// Instance keys contain ':' separators; escape for portable filenames.
	return filepath.Join(s.root, namespace, url.QueryEscape(key)+".json")
}
