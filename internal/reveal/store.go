package reveal

import (
	"context"

	id "veil/pkg/domain"
)

// CaseStore persists reveal cases. Implementations enforce the uniqueness
// rule: at most one case whose state is not purged per
// (AnonymousID, EmergencyType) pair. Create returns sentinel.ErrConflict when
// an active case already exists, including under concurrent activation.
type CaseStore interface {
	Create(ctx context.Context, c RevealCase) error
	Get(ctx context.Context, caseID id.CaseID) (RevealCase, error)
	Update(ctx context.Context, c RevealCase) error
	CountActiveByAnonymous(ctx context.Context, anonymousID id.AnonymousID) (int, error)
	ListByAnonymous(ctx context.Context, anonymousID id.AnonymousID) ([]RevealCase, error)
}
