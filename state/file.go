package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore keeps one JSON state document per scope under a root directory.
// Writes within a process are serialized by an internal mutex; cross-process
// exclusion uses lock files (see Lock/Unlock).
type FileStore struct {
	root string
	mu   sync.Mutex
}

// scopeDocument is the on-disk shape of one scope's state.
type scopeDocument struct {
	Version   int                `json:"version"`
	Resources map[string]*Record `json:"resources"`
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (s *FileStore) Get(ctx context.Context, scopePath, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(scopePath)
	if err != nil {
		return nil, err
	}
	rec, ok := doc.Resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *FileStore) Put(ctx context.Context, scopePath, id string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(scopePath)
	if err != nil {
		return err
	}
	cp := *rec
	doc.Resources[id] = &cp
	return s.write(scopePath, doc)
}

func (s *FileStore) Delete(ctx context.Context, scopePath, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(scopePath)
	if err != nil {
		return err
	}
	if _, ok := doc.Resources[id]; !ok {
		return nil
	}
	delete(doc.Resources, id)
	return s.write(scopePath, doc)
}

func (s *FileStore) List(ctx context.Context, scopePath string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(scopePath)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc.Resources))
	for id := range doc.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ScopePaths walks the root directory for state documents under prefix.
func (s *FileStore) ScopePaths(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Name() != "state.json" {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(p))
		if err != nil {
			return err
		}
		scopePath := filepath.ToSlash(rel)
		if matchesScopePrefix(scopePath, prefix) {
			paths = append(paths, scopePath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk state directory: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *FileStore) docPath(scopePath string) string {
	return filepath.Join(s.root, filepath.FromSlash(scopePath), "state.json")
}

// read loads a scope document, transparently decrypting it. A missing
// document is an empty scope, not an error.
func (s *FileStore) read(scopePath string) (*scopeDocument, error) {
	path := s.docPath(scopePath)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &scopeDocument{Version: 1, Resources: map[string]*Record{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	raw, err = Decrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	var doc scopeDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if doc.Resources == nil {
		doc.Resources = map[string]*Record{}
	}
	return &doc, nil
}

// write saves a scope document, transparently encrypting it when a key is set.
func (s *FileStore) write(scopePath string, doc *scopeDocument) error {
	path := s.docPath(scopePath)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	encrypted, err := Encrypt(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	if err := os.WriteFile(path, encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", path, err)
	}
	return nil
}

// Lock acquires a lock file for the scope to keep concurrent processes out.
// A lock older than 10 minutes is considered stale and taken over.
func (s *FileStore) Lock(scopePath string) error {
	lockPath := s.docPath(scopePath) + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) > 10*time.Minute {
			os.Remove(lockPath)
		} else {
			return fmt.Errorf("scope %s is locked by another process (lock file: %s). "+
				"If this is an error, remove the lock file manually", scopePath, lockPath)
		}
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(lockPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	return nil
}

// Unlock releases the scope's lock file.
func (s *FileStore) Unlock(scopePath string) error {
	lockPath := s.docPath(scopePath) + ".lock"
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
