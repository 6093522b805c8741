package domain

import dErrors "veil/pkg/domain-errors"

// RevealLevel orders how much identity a stage exposes. Escalation may only
// move a case toward higher levels.
type RevealLevel string

const (
	RevealLocationOnly      RevealLevel = "location_only"
	RevealMedicalInfo       RevealLevel = "medical_info"
	RevealEmergencyContacts RevealLevel = "emergency_contacts"
	RevealPartialIdentity   RevealLevel = "partial_identity"
	RevealFullIdentity      RevealLevel = "full_identity"
)

var revealOrder = map[RevealLevel]int{
	RevealLocationOnly:      1,
	RevealMedicalInfo:       2,
	RevealEmergencyContacts: 3,
	RevealPartialIdentity:   4,
	RevealFullIdentity:      5,
}

// ParseRevealLevel constructs a RevealLevel from external input.
func ParseRevealLevel(s string) (RevealLevel, error) {
	l := RevealLevel(s)
	if !l.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid reveal level %q", s)
	}
	return l, nil
}

func (l RevealLevel) IsValid() bool { return revealOrder[l] != 0 }

// AtLeast reports whether l exposes at least as much as other.
func (l RevealLevel) AtLeast(other RevealLevel) bool { return revealOrder[l] >= revealOrder[other] }

func (l RevealLevel) String() string { return string(l) }

// CaseState is the reveal case state machine position. Purged is terminal.
type CaseState string

const (
	CaseNotTriggered    CaseState = "not_triggered"
	CaseStageEvaluating CaseState = "stage_evaluating"
	CaseConsentPending  CaseState = "consent_pending"
	CaseImmediateReveal CaseState = "immediate_reveal"
	CaseRevealed        CaseState = "revealed"
	CaseEscalated       CaseState = "escalated"
	CasePurged          CaseState = "purged"
)

var validCaseStates = map[CaseState]bool{
	CaseNotTriggered:    true,
	CaseStageEvaluating: true,
	CaseConsentPending:  true,
	CaseImmediateReveal: true,
	CaseRevealed:        true,
	CaseEscalated:       true,
	CasePurged:          true,
}

// ParseCaseState constructs a CaseState from stored input.
func ParseCaseState(s string) (CaseState, error) {
	st := CaseState(s)
	if !validCaseStates[st] {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid case state %q", s)
	}
	return st, nil
}

// Terminal reports whether no further transitions are possible.
func (s CaseState) Terminal() bool { return s == CasePurged }

// Cancellable reports whether the case itself may still be cancelled. Once
// revealed, only escalation timers can be cancelled.
func (s CaseState) Cancellable() bool {
	return s == CaseStageEvaluating || s == CaseConsentPending
}

func (s CaseState) String() string { return string(s) }

// Sensitivity classifies revealed data; team clearance is checked against it.
type Sensitivity int

const (
	SensitivityLow Sensitivity = iota + 1
	SensitivityModerate
	SensitivityHigh
	SensitivityCritical
)

func (s Sensitivity) IsValid() bool {
	return s >= SensitivityLow && s <= SensitivityCritical
}

// ParseSensitivity constructs a Sensitivity from its string name.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch s {
	case "low":
		return SensitivityLow, nil
	case "moderate":
		return SensitivityModerate, nil
	case "high":
		return SensitivityHigh, nil
	case "critical":
		return SensitivityCritical, nil
	}
	return 0, dErrors.Newf(dErrors.CodeInvalidInput, "invalid sensitivity %q", s)
}

func (s Sensitivity) String() string {
	switch s {
	case SensitivityLow:
		return "low"
	case SensitivityModerate:
		return "moderate"
	case SensitivityHigh:
		return "high"
	case SensitivityCritical:
		return "critical"
	}
	return "unknown"
}
