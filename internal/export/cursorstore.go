package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type MemoryCursorStore struct {
	mu     sync.Mutex
	cursor *Cursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{}
}

func (s *MemoryCursorStore) Load() (*Cursor, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return nil, nil
	}
	clone := *s.cursor
	return &clone, nil
}

func (s *MemoryCursorStore) Save(cursor Cursor) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &cursor
	return nil
}

func (s *MemoryCursorStore) Clear() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = nil
	return nil
}

// JSONFileCursorStore persists the cursor as a small JSON document. Saves go
// through a temp file plus rename so a crash mid-write never leaves a
// partially written cursor observable as valid.
type JSONFileCursorStore struct {
	Path string
	mu   sync.Mutex
}

func NewJSONFileCursorStore(path string) *JSONFileCursorStore {
	return &JSONFileCursorStore{Path: strings.TrimSpace(path)}
}

func (s *JSONFileCursorStore) Load() (*Cursor, error) {
	if s == nil || strings.TrimSpace(s.Path) == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cursor.Token) == "" {
		return nil, nil
	}
	return &cursor, nil
}

func (s *JSONFileCursorStore) Save(cursor Cursor) error {
	if s == nil || strings.TrimSpace(s.Path) == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(cursor.Token) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *JSONFileCursorStore) Clear() error {
	if s == nil || strings.TrimSpace(s.Path) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type CursorStoreFactory func(dsn string) (CursorStore, error)

var cursorStoreFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CursorStoreFactory
}{
	factories: map[string]CursorStoreFactory{},
}

func RegisterCursorStoreFactory(scheme string, factory CursorStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cursorStoreFactoryRegistry.mu.Lock()
	defer cursorStoreFactoryRegistry.mu.Unlock()
	cursorStoreFactoryRegistry.factories[scheme] = factory
}

func lookupCursorStoreFactory(scheme string) (CursorStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	cursorStoreFactoryRegistry.mu.RLock()
	defer cursorStoreFactoryRegistry.mu.RUnlock()
	factory, ok := cursorStoreFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildCursorStoreFromDSN selects a cursor store backend by DSN scheme.
// A bare path or file:// DSN selects the JSON file store.
func BuildCursorStoreFromDSN(dsn string) (CursorStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupCursorStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileCursorStore(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryCursorStore(), nil
	case "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteCursorStore(path)
	case "postgres", "postgresql":
		return NewPostgresCursorStore(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: cursor store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cursor store scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
