package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Storage persists audit events.
type Storage interface {
	Store(ctx context.Context, events []*Event) error
	Close() error
}

// MemoryStorage keeps events in memory, queryable. Used in tests and for
// small deployments where the trail only needs to outlive a status query.
type MemoryStorage struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStorage creates an in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Store appends the events.
func (s *MemoryStorage) Store(ctx context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Query returns the stored events matching the query, oldest first.
func (s *MemoryStorage) Query(query *Query) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Event
	for _, event := range s.events {
		if query.Matches(event) {
			matched = append(matched, event)
			if query.Limit > 0 && len(matched) == query.Limit {
				break
			}
		}
	}
	return matched
}

// Len returns the number of stored events.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close is a no-op for memory storage.
func (s *MemoryStorage) Close() error {
	return nil
}

// FileStorage appends events to a JSON lines file.
type FileStorage struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileStorage opens (or creates) the audit file for appending.
func NewFileStorage(path string) (*FileStorage, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileStorage{file: file}, nil
}

// Store appends the events, one JSON object per line.
func (s *FileStorage) Store(ctx context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to encode audit event: %w", err)
		}
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write audit event: %w", err)
		}
	}
	return nil
}

// Close closes the audit file.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
