// Package knowledge provides the persistent fact store that conversation tools
// read from and write to.
//
// Facts are addressed by slash-separated paths ("user/preferences/food") and
// hold JSON-compatible values. Four backends are available:
//   - Memory: process-local, for tests and ephemeral sessions
//   - JSON: a single JSON document on disk
//   - Badger: an embedded key-value database
//   - SQLite: a single table in a SQLite database
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Sentinel errors for the knowledge package.
var (
	// ErrNotFound indicates no value is stored at the path.
	ErrNotFound = errors.New("knowledge: not found")

	// ErrInvalidPath indicates an empty or malformed path.
	ErrInvalidPath = errors.New("knowledge: invalid path")

	// ErrClosed indicates the store was used after Close.
	ErrClosed = errors.New("knowledge: store closed")
)

// Store persists JSON-compatible values by path.
type Store interface {
	// Read returns the value at path or ErrNotFound.
	Read(ctx context.Context, path string) (any, error)

	// Write stores value at path, replacing any previous value.
	Write(ctx context.Context, path string, value any) error

	// Delete removes the value at path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// List returns the sorted paths equal to or nested under prefix.
	// An empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// CleanPath normalizes p to a slash-separated path without leading or
// trailing slashes. It rejects empty paths and paths escaping the root.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(path.Clean(p), "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// cleanPrefix is CleanPath that allows the empty prefix.
func cleanPrefix(prefix string) (string, error) {
	if strings.Trim(strings.TrimSpace(prefix), "/") == "" {
		return "", nil
	}
	return CleanPath(prefix)
}

// underPrefix reports whether p equals prefix or is nested under it.
func underPrefix(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// encodeValue converts v to canonical JSON so every backend stores the same
// shape regardless of the caller's Go types.
func encodeValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("knowledge: value is not JSON-compatible: %w", err)
	}
	return data, nil
}

func decodeValue(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("knowledge: decode value: %w", err)
	}
	return v, nil
}

// normalize round-trips v through JSON.
func normalize(v any) (any, error) {
	data, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return decodeValue(data)
}

func sortedKeys[V any](m map[string]V, prefix string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if underPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendJSON   Backend = "json"
	BackendBadger Backend = "badger"
	BackendSQLite Backend = "sqlite"
)

// Config selects and locates a backend.
type Config struct {
	// Backend is one of memory, json, badger, sqlite. Default: memory.
	Backend Backend `yaml:"backend" json:"backend"`

	// Path is the file (json, sqlite) or directory (badger) holding the data.
	Path string `yaml:"path" json:"path"`
}

// Open creates the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendJSON:
		if cfg.Path == "" {
			return nil, fmt.Errorf("knowledge: json backend requires a path")
		}
		return NewJSONStore(cfg.Path)
	case BackendBadger:
		return NewBadgerStore(BadgerOptions{Dir: cfg.Path, InMemory: cfg.Path == ""})
	case BackendSQLite:
		return NewSQLiteStore(ctx, SQLiteOptions{DSN: cfg.Path})
	default:
		return nil, fmt.Errorf("knowledge: unknown backend %q", cfg.Backend)
	}
}
