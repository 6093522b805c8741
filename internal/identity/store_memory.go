package identity

import (
	"context"
	"sync"
	"time"

	id "veil/pkg/domain"
	"veil/pkg/platform/sentinel"
)

// InMemoryStore keeps identities in a map. It intentionally favors clarity
// over performance.
type InMemoryStore struct {
	mu         sync.RWMutex
	identities map[id.AnonymousID]AnonymousIdentity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{identities: make(map[id.AnonymousID]AnonymousIdentity)}
}

func (s *InMemoryStore) Save(_ context.Context, identity AnonymousIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.AnonymousID] = identity
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, anonymousID id.AnonymousID) (AnonymousIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if identity, ok := s.identities[anonymousID]; ok {
		return identity, nil
	}
	return AnonymousIdentity{}, sentinel.ErrNotFound
}

func (s *InMemoryStore) UpdateControls(_ context.Context, anonymousID id.AnonymousID, controls AnonymityControls) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[anonymousID]
	if !ok {
		return sentinel.ErrNotFound
	}
	identity.Controls = controls
	s.identities[anonymousID] = identity
	return nil
}

func (s *InMemoryStore) TouchKeyRotation(_ context.Context, anonymousID id.AnonymousID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[anonymousID]
	if !ok {
		return sentinel.ErrNotFound
	}
	identity.LastKeyRotation = time.Now()
	s.identities[anonymousID] = identity
	return nil
}
