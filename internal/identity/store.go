package identity

import (
	"context"

	id "veil/pkg/domain"
)

// Store persists anonymous identities. Interface-driven so the service stays
// testable and in-memory / postgres implementations swap without rewiring.
type Store interface {
	Save(ctx context.Context, identity AnonymousIdentity) error
	FindByID(ctx context.Context, anonymousID id.AnonymousID) (AnonymousIdentity, error)

	// UpdateControls replaces the anonymity controls for one identity.
	UpdateControls(ctx context.Context, anonymousID id.AnonymousID, controls AnonymityControls) error

	// TouchKeyRotation records that the identity's interaction keys rotated.
	TouchKeyRotation(ctx context.Context, anonymousID id.AnonymousID) error
}
