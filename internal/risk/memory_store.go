package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for development and
// tests.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // userID, oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	if a.Factors != nil {
		f := *a.Factors
		cp.Factors = &f
	}
	cp.Recommendations = append([]string(nil), a.Recommendations...)

	s.assessments[a.UserID] = append(s.assessments[a.UserID], &cp)
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[userID]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if limit <= 0 || start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		if cp.Factors != nil {
			f := *cp.Factors
			cp.Factors = &f
		}
		cp.Recommendations = append([]string(nil), cp.Recommendations...)
		result = append(result, &cp)
	}
	return result, nil
}
