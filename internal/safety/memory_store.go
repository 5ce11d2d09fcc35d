package safety

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kindlingapp/kindling/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests. All methods
// are safe for concurrent use; AcquireLock performs its check-and-set under
// a single lock so concurrent callers observe exactly one active lock.
type MemoryStore struct {
	mu            sync.RWMutex
	incidents     map[string]*Incident
	notifications map[string][]*NotificationRecord
	evidence      map[string][]*EvidenceSnapshot
	locks         map[string]*AccountLock
	checkIns      map[string]*CheckIn
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents:     make(map[string]*Incident),
		notifications: make(map[string][]*NotificationRecord),
		evidence:      make(map[string][]*EvidenceSnapshot),
		locks:         make(map[string]*AccountLock),
		checkIns:      make(map[string]*CheckIn),
	}
}

func (s *MemoryStore) CreateIncident(ctx context.Context, inc *Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inc
	s.incidents[inc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

func (s *MemoryStore) ListIncidentsByUser(ctx context.Context, userID string, limit int, before time.Time, beforeID string) ([]*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Incident
	for _, inc := range s.incidents {
		if inc.UserID != userID {
			continue
		}
		if !before.IsZero() {
			// Strictly older than the cursor; ties break on ID like the
			// Postgres keyset query.
			if inc.CreatedAt.After(before) {
				continue
			}
			if inc.CreatedAt.Equal(before) && inc.ID >= beforeID {
				continue
			}
		}
		cp := *inc
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveIncident(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return ErrNotFound
	}
	inc.Resolved = true
	return nil
}

func (s *MemoryStore) RecordNotification(ctx context.Context, rec *NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.notifications[rec.IncidentID] = append(s.notifications[rec.IncidentID], &cp)
	return nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, incidentID string) ([]*NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.notifications[incidentID]
	out := make([]*NotificationRecord, len(recs))
	for i, rec := range recs {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) CreateEvidence(ctx context.Context, snap *EvidenceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.evidence[snap.IncidentID] = append(s.evidence[snap.IncidentID], &cp)
	return nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, userID, reason string, at time.Time) (*AccountLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locks[userID]; ok && existing.Active {
		cp := *existing
		return &cp, false, nil
	}

	lock := &AccountLock{
		ID:       idgen.WithPrefix("lock_"),
		UserID:   userID,
		Reason:   reason,
		LockedAt: at,
		Active:   true,
	}
	s.locks[userID] = lock
	cp := *lock
	return &cp, true, nil
}

func (s *MemoryStore) GetActiveLock(ctx context.Context, userID string) (*AccountLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[userID]
	if !ok || !lock.Active {
		return nil, ErrNotFound
	}
	cp := *lock
	return &cp, nil
}

func (s *MemoryStore) DueCheckIns(ctx context.Context, now time.Time, limit int) ([]*CheckIn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CheckIn
	for _, ci := range s.checkIns {
		if !ci.Active || ci.Deadline.After(now) {
			continue
		}
		cp := *ci
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RescheduleCheckIn(ctx context.Context, id string, nextDeadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.checkIns[id]
	if !ok {
		return ErrNotFound
	}
	ci.Deadline = nextDeadline
	ci.MissCount++
	return nil
}

func (s *MemoryStore) CreateCheckIn(ctx context.Context, ci *CheckIn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ci
	s.checkIns[ci.ID] = &cp
	return nil
}
