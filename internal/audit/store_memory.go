package audit

import (
	"context"
	"sync"
	"time"

	id "veil/pkg/domain"
)

// InMemoryStore keeps the ledger in process memory. It preserves append
// order and is safe for concurrent append across unrelated cases.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []Event
	seq    uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	event.Seq = s.seq
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) ListByAnonymousID(_ context.Context, anonymousID id.AnonymousID, from, to time.Time) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.AnonymousID != anonymousID {
			continue
		}
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) ListByCase(_ context.Context, caseID id.CaseID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	return out, nil
}
