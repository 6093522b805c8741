package audit

import (
	"time"

	"github.com/google/uuid"

	id "veil/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose. This
// enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// These require tamper-proof storage and long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring and
	// forensics: unauthorized access attempts, overrides, escalations.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers events useful for debugging and operational
	// visibility. These can be sampled with shorter retention.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID            uuid.UUID
	Seq           uint64 // assigned by the store; strictly increasing per case
	Timestamp     time.Time
	AnonymousID   id.AnonymousID
	CaseID        id.CaseID // nil for identity-lifecycle events
	Action        Action
	Actor         string
	Justification string
	Detail        string
}

// Action enumerates what an audit event records. The set is closed: the
// ledger is append-only and consumers switch on these values.
type Action string

const (
	ActionIdentityCreated    Action = "identity_created"
	ActionLevelChanged       Action = "level_changed"
	ActionCaseActivated      Action = "case_activated"
	ActionRevealed           Action = "revealed"
	ActionAccessed           Action = "accessed"
	ActionAccessDenied       Action = "access_denied"
	ActionPurged             Action = "purged"
	ActionConsentGiven       Action = "consent_given"
	ActionConsentRevoked     Action = "consent_revoked"
	ActionConsentTimedOut    Action = "consent_timed_out"
	ActionEscalated          Action = "escalated"
	ActionOverrideApplied    Action = "override_applied"
	ActionCaseCancelled      Action = "case_cancelled"
	ActionRetentionViolation Action = "retention_violation"
)

// actionCategories maps each action to its category.
var actionCategories = map[Action]EventCategory{
	ActionIdentityCreated:    CategoryCompliance,
	ActionLevelChanged:       CategoryOperations,
	ActionCaseActivated:      CategoryCompliance,
	ActionRevealed:           CategoryCompliance,
	ActionAccessed:           CategoryCompliance,
	ActionAccessDenied:       CategorySecurity,
	ActionPurged:             CategoryCompliance,
	ActionConsentGiven:       CategoryCompliance,
	ActionConsentRevoked:     CategoryCompliance,
	ActionConsentTimedOut:    CategoryOperations,
	ActionEscalated:          CategorySecurity,
	ActionOverrideApplied:    CategorySecurity,
	ActionCaseCancelled:      CategoryOperations,
	ActionRetentionViolation: CategorySecurity,
}

// Category returns the event category for routing and retention decisions.
func (a Action) Category() EventCategory {
	if c, ok := actionCategories[a]; ok {
		return c
	}
	return CategoryOperations
}

func (a Action) String() string { return string(a) }
