package auditspool

import (
	"context"
	"sync"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

// MemorySpool is used when no spool path is configured. Its contents do not survive a restart.
type MemorySpool struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func NewMemorySpool() *MemorySpool {
	return &MemorySpool{}
}

func (s *MemorySpool) Push(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.EntryID == entry.EntryID {
			return nil
		}
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemorySpool) Peek(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]domain.AuditEntry(nil), s.entries[:n]...), nil
}

func (s *MemorySpool) Ack(_ context.Context, entryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := make(map[string]struct{}, len(entryIDs))
	for _, id := range entryIDs {
		acked[id] = struct{}{}
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := acked[e.EntryID]; !ok {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (s *MemorySpool) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

var _ ports.AuditSpool = (*MemorySpool)(nil)
