package repository

import (
	"context"
	"sync"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

var _ SecretStore = (*MemorySecretStore)(nil)

// MemorySecretStore keeps secrets in process memory. Secrets do not survive a
// restart, so the device re-enrolls with its installation code.
type MemorySecretStore struct {
	mu     sync.RWMutex
	values map[domain.SecretKind]string
}

// NewMemorySecretStore returns an empty store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{values: make(map[domain.SecretKind]string)}
}

func (s *MemorySecretStore) Init(context.Context) error {
	return nil
}

func (s *MemorySecretStore) Get(_ context.Context, kind domain.SecretKind) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[kind]
	return value, ok, nil
}

func (s *MemorySecretStore) Set(_ context.Context, kind domain.SecretKind, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[kind] = value
	return nil
}

func (s *MemorySecretStore) Delete(_ context.Context, kind domain.SecretKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, kind)
	return nil
}
