// Package reveal implements the emergency disclosure state machine: staged,
// consent-aware, escalatable disclosure of identity attributes with
// scheduled cryptographic purge of everything revealed.
package reveal

import (
	"time"

	id "veil/pkg/domain"
	pkgstrings "veil/pkg/platform/strings"
)

// DataTypeSpec declares one attribute a stage reveals and its lifecycle.
type DataTypeSpec struct {
	DataType         string
	Sensitivity      id.Sensitivity
	LegalRequirement bool
	MedicalNecessity bool
	PurgeAfter       time.Duration
}

// Stage is one step of a protocol. Delay doubles as the consent window when
// RequiresConsent is set.
type Stage struct {
	ID                id.StageID
	RevealLevel       id.RevealLevel
	TriggerConditions []string
	AutoReveal        bool
	RequiresConsent   bool
	Delay             time.Duration
	DataTypes         []DataTypeSpec
}

// matches reports whether the supplied trigger set intersects this stage's
// conditions. Exact-match token intersection; tokens are normalized at parse
// time.
func (s Stage) matches(conditions map[string]bool) bool {
	for _, c := range s.TriggerConditions {
		if conditions[c] {
			return true
		}
	}
	return false
}

// EscalationTrigger arms a timed, externally-signaled advancement to a later
// stage.
type EscalationTrigger struct {
	Condition     string
	TimeThreshold time.Duration
	Automatic     bool
	NextStage     id.StageID
}

// ConsentOverride is a legally-grounded, time-limited consent bypass.
type ConsentOverride struct {
	Type          string
	LegalBasis    string
	TimeLimit     time.Duration
	DataScope     []string
	AuditRequired bool
}

// RevealProtocol is the static configuration for one emergency type. Stage
// declaration order is selection precedence.
type RevealProtocol struct {
	ID          id.ProtocolID
	Escalations []EscalationTrigger
	Overrides   []ConsentOverride
	Stages      []Stage
}

// SelectStage returns the first declared stage whose trigger conditions
// intersect the supplied set.
func (p RevealProtocol) SelectStage(triggerConditions []string) (Stage, int, bool) {
	set := NormalizeConditions(triggerConditions)
	for i, stage := range p.Stages {
		if stage.matches(set) {
			return stage, i, true
		}
	}
	return Stage{}, 0, false
}

// StageByID resolves a stage and its declaration index.
func (p RevealProtocol) StageByID(stageID id.StageID) (Stage, int, bool) {
	for i, stage := range p.Stages {
		if stage.ID == stageID {
			return stage, i, true
		}
	}
	return Stage{}, 0, false
}

// OverrideByType resolves a consent override.
func (p RevealProtocol) OverrideByType(overrideType string) (ConsentOverride, bool) {
	for _, o := range p.Overrides {
		if o.Type == overrideType {
			return o, true
		}
	}
	return ConsentOverride{}, false
}

// NormalizeConditions lowercases and trims trigger tokens into a set.
func NormalizeConditions(conditions []string) map[string]bool {
	cleaned := pkgstrings.DedupeAndTrimLower(conditions)
	set := make(map[string]bool, len(cleaned))
	for _, c := range cleaned {
		set[c] = true
	}
	return set
}

// RevealedDataRecord is one revealed attribute inside a case. Payload is an
// opaque sealed blob; purging wipes it in place.
type RevealedDataRecord struct {
	RecordID         id.RecordID
	DataType         string
	Sensitivity      id.Sensitivity
	Payload          []byte
	RevealedAt       time.Time
	RevealedTo       []id.TeamID
	ConsentGiven     bool
	PurgeScheduledAt time.Time
	PurgedAt         *time.Time
}

// Purged reports whether the record's payload has been wiped.
func (r RevealedDataRecord) Purged() bool { return r.PurgedAt != nil }

// ArmedEscalation is a live escalation trigger on a case. It disarms when its
// deadline task fires or when escalation timers are cancelled.
type ArmedEscalation struct {
	Condition string
	Deadline  time.Time
	Automatic bool
	NextStage id.StageID
	TaskID    id.TaskID
}

// AppliedOverride records a consent override in effect on a case. Stages
// entered after ExpiresAt are unaffected by it.
type AppliedOverride struct {
	Type       string
	LegalBasis string
	AppliedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the override window has lapsed.
func (o AppliedOverride) Expired(now time.Time) bool { return !now.Before(o.ExpiresAt) }

// RevealCase is the runtime state machine instance. Exactly one non-purged
// case may exist per (AnonymousID, EmergencyType) pair; the case store
// enforces this.
type RevealCase struct {
	CaseID        id.CaseID
	AnonymousID   id.AnonymousID
	EmergencyType string
	ProtocolID    id.ProtocolID

	State        id.CaseState
	StageID      id.StageID
	StageIndex   int
	PriorStageID id.StageID // stage to stay at when a consent window lapses

	ConsentDeadline *time.Time
	Override        *AppliedOverride
	Escalations     []ArmedEscalation

	Records []RevealedDataRecord

	ActivatedAt time.Time
	UpdatedAt   time.Time
}

// AllPurged reports whether every record has been wiped. A case with no
// records is not purged.
func (c RevealCase) AllPurged() bool {
	if len(c.Records) == 0 {
		return false
	}
	for _, r := range c.Records {
		if !r.Purged() {
			return false
		}
	}
	return true
}

// RecordByID finds a record index by id.
func (c RevealCase) RecordByID(recordID id.RecordID) (int, bool) {
	for i, r := range c.Records {
		if r.RecordID == recordID {
			return i, true
		}
	}
	return 0, false
}

// AccessToken is a scoped, time-limited grant to one revealed data type.
type AccessToken struct {
	Token     string
	DataType  string
	ExpiresAt time.Time
}
