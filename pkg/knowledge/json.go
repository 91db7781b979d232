package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONStore persists every value in one JSON document. Each write rewrites
// the document through a temp file and rename so a crash never leaves a
// truncated file behind.
type JSONStore struct {
	FilePath string

	mu     sync.RWMutex
	data   map[string]json.RawMessage
	closed bool
}

// NewJSONStore opens (or prepares to create) the document at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{FilePath: path, data: make(map[string]json.RawMessage)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	raw, err := os.ReadFile(s.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("parse %s: %w", s.FilePath, err)
	}
	return nil
}

// save must be called with mu held for writing.
func (s *JSONStore) save() error {
	dir := filepath.Dir(s.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (s *JSONStore) Read(_ context.Context, p string) (any, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	raw, ok := s.data[p]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeValue(raw)
}

func (s *JSONStore) Write(_ context.Context, p string, value any) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, existed := s.data[p]
	s.data[p] = raw
	if err := s.save(); err != nil {
		if existed {
			s.data[p] = prev
		} else {
			delete(s.data, p)
		}
		return err
	}
	return nil
}

func (s *JSONStore) Delete(_ context.Context, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, ok := s.data[p]
	if !ok {
		return nil
	}
	delete(s.data, p)
	if err := s.save(); err != nil {
		s.data[p] = prev
		return err
	}
	return nil
}

func (s *JSONStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedKeys(s.data, prefix), nil
}

// Close is a no-op beyond rejecting further use; every write is already on disk.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*JSONStore)(nil)
