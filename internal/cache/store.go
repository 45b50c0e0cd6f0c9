package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bioflow/collector/internal/core/domain"
)

// Store holds validation results keyed by transaction and check kind.
// Implementations: the redis client for deployments, MemoryStore for
// development and tests.
type Store interface {
	Get(ctx context.Context, transactionID, check string) (domain.ValidationResult, bool, error)
	Set(ctx context.Context, transactionID, check string, res domain.ValidationResult) error
	EvictTransaction(ctx context.Context, transactionID string) error
	EvictAll(ctx context.Context) error
}

type memoryEntry struct {
	res       domain.ValidationResult
	expiresAt time.Time
}

// MemoryStore is a process-local Store with per-entry TTL.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func memKey(transactionID, check string) string {
	return transactionID + ":" + check
}

func (s *MemoryStore) Get(ctx context.Context, transactionID, check string) (domain.ValidationResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[memKey(transactionID, check)]
	if !ok || s.now().After(entry.expiresAt) {
		delete(s.entries, memKey(transactionID, check))
		return domain.ValidationResult{}, false, nil
	}
	return entry.res, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, transactionID, check string, res domain.ValidationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[memKey(transactionID, check)] = memoryEntry{res: res, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) EvictTransaction(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := transactionID + ":"
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
	return nil
}

func (s *MemoryStore) EvictAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memoryEntry)
	return nil
}
