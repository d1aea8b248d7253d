package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CollapseStore persists which selection groups are collapsed.
type CollapseStore interface {
	IsCollapsed(fieldID string) bool
	SetCollapsed(fieldID string, collapsed bool)
}

type MemoryCollapseStore struct {
	mu        sync.Mutex
	collapsed map[string]struct{}
}

func NewMemoryCollapseStore() *MemoryCollapseStore {
	return &MemoryCollapseStore{collapsed: make(map[string]struct{})}
}

func (s *MemoryCollapseStore) IsCollapsed(fieldID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collapsed[fieldID]
	return ok
}

func (s *MemoryCollapseStore) SetCollapsed(fieldID string, collapsed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if collapsed {
		s.collapsed[fieldID] = struct{}{}
	} else {
		delete(s.collapsed, fieldID)
	}
}

// FileCollapseStore keeps collapse state in a JSON file so CLI sessions
// remember it. Writes are flushed immediately; the file is small.
type FileCollapseStore struct {
	mu        sync.Mutex
	path      string
	collapsed map[string]struct{}
}

func NewFileCollapseStore(path string) (*FileCollapseStore, error) {
	s := &FileCollapseStore{path: path, collapsed: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read collapse state: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode collapse state %s: %w", path, err)
	}
	for _, id := range ids {
		s.collapsed[id] = struct{}{}
	}
	return s, nil
}

func (s *FileCollapseStore) IsCollapsed(fieldID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collapsed[fieldID]
	return ok
}

func (s *FileCollapseStore) SetCollapsed(fieldID string, collapsed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if collapsed {
		s.collapsed[fieldID] = struct{}{}
	} else {
		delete(s.collapsed, fieldID)
	}
	if err := s.flushLocked(); err != nil {
		// State stays correct in memory; the next flush retries.
		fmt.Fprintf(os.Stderr, "collapse state not saved: %v\n", err)
	}
}

func (s *FileCollapseStore) flushLocked() error {
	ids := make([]string, 0, len(s.collapsed))
	for id := range s.collapsed {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o644)
}
