package team

import (
	"context"
	"sync"

	id "veil/pkg/domain"
	"veil/pkg/platform/sentinel"
)

// Registry serves response-team records.
type Registry interface {
	FindByID(ctx context.Context, teamID id.TeamID) (EmergencyResponseTeam, error)
}

// InMemoryRegistry caches registry records in process memory.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	teams map[id.TeamID]EmergencyResponseTeam
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{teams: make(map[id.TeamID]EmergencyResponseTeam)}
}

// Register stores or replaces a team record.
func (r *InMemoryRegistry) Register(_ context.Context, team EmergencyResponseTeam) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams[team.TeamID] = team
	return nil
}

func (r *InMemoryRegistry) FindByID(_ context.Context, teamID id.TeamID) (EmergencyResponseTeam, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if team, ok := r.teams[teamID]; ok {
		return team, nil
	}
	return EmergencyResponseTeam{}, sentinel.ErrNotFound
}
