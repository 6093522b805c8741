package reveal

import (
	"context"
	"sync"

	id "veil/pkg/domain"
	"veil/pkg/platform/sentinel"
)

// InMemoryCaseStore keeps cases in process memory. Used in tests and
// single-node deployments without postgres.
type InMemoryCaseStore struct {
	mu    sync.RWMutex
	cases map[id.CaseID]RevealCase
}

func NewInMemoryCaseStore() *InMemoryCaseStore {
	return &InMemoryCaseStore{cases: make(map[id.CaseID]RevealCase)}
}

func (s *InMemoryCaseStore) Create(_ context.Context, c RevealCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cases {
		if existing.AnonymousID == c.AnonymousID &&
			existing.EmergencyType == c.EmergencyType &&
			existing.State != id.CasePurged {
			return sentinel.ErrConflict
		}
	}
	s.cases[c.CaseID] = cloneCase(c)
	return nil
}

func (s *InMemoryCaseStore) Get(_ context.Context, caseID id.CaseID) (RevealCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return RevealCase{}, sentinel.ErrNotFound
	}
	return cloneCase(c), nil
}

func (s *InMemoryCaseStore) Update(_ context.Context, c RevealCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.CaseID]; !ok {
		return sentinel.ErrNotFound
	}
	s.cases[c.CaseID] = cloneCase(c)
	return nil
}

func (s *InMemoryCaseStore) CountActiveByAnonymous(_ context.Context, anonymousID id.AnonymousID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.cases {
		if c.AnonymousID == anonymousID && c.State != id.CasePurged {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryCaseStore) ListByAnonymous(_ context.Context, anonymousID id.AnonymousID) ([]RevealCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RevealCase
	for _, c := range s.cases {
		if c.AnonymousID == anonymousID {
			out = append(out, cloneCase(c))
		}
	}
	return out, nil
}

// cloneCase deep-copies the slices holding mutable state so callers never
// share record payloads with the store.
func cloneCase(c RevealCase) RevealCase {
	out := c
	if c.ConsentDeadline != nil {
		d := *c.ConsentDeadline
		out.ConsentDeadline = &d
	}
	if c.Override != nil {
		o := *c.Override
		out.Override = &o
	}
	out.Escalations = append([]ArmedEscalation(nil), c.Escalations...)
	out.Records = make([]RevealedDataRecord, len(c.Records))
	for i, r := range c.Records {
		rc := r
		rc.Payload = append([]byte(nil), r.Payload...)
		rc.RevealedTo = append([]id.TeamID(nil), r.RevealedTo...)
		if r.PurgedAt != nil {
			p := *r.PurgedAt
			rc.PurgedAt = &p
		}
		out.Records[i] = rc
	}
	return out
}
