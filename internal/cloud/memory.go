package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// MemoryStorage is an in-memory Storage used by tests and dev mode. RWMutex
// separates the read-heavy Lookup/Download path from writes.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (s *MemoryStorage) UploadFile(ctx context.Context, name string, data []byte, opts Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; ok {
		return "", ErrAlreadyExists
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[name] = stored
	return checksum(stored), nil
}

func (s *MemoryStorage) DownloadFile(ctx context.Context, name string, opts Options) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, "", fmt.Errorf("download %s: %w", name, ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, checksum(out), nil
}

func (s *MemoryStorage) DeleteFile(ctx context.Context, name string, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; !ok {
		return fmt.Errorf("delete %s: %w", name, ErrNotFound)
	}
	delete(s.objects, name)
	return nil
}

func (s *MemoryStorage) LookupFile(ctx context.Context, name string, opts Options) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[name]
	return ok, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
