// Package risk computes exposure and compliance signals from identity state
// and disclosure history. Pure domain logic: no I/O, no side effects; the
// caller gathers the inputs.
package risk

import (
	"time"

	id "veil/pkg/domain"
)

// Input groups the signals the assessor weighs.
type Input struct {
	AnonymityLevel   id.AnonymityLevel
	TierMaxLevel     id.AnonymityLevel
	ActiveCases      int
	ClearanceGaps    int // grants where team clearance sat below data sensitivity
	LastKeyRotation  time.Time
	RotationInterval time.Duration
	Now              time.Time
}

// Assessment holds the three risk scores, each in [0, 100]; higher is worse.
type Assessment struct {
	IdentityExposure  float64
	ServiceCompromise float64
	Reputation        float64
}

// Weights for the component signals. Policy-tunable but fixed per deployment.
const (
	weightLevelGap      = 30.0
	weightActiveCases   = 25.0
	weightClearanceGaps = 30.0
	weightStaleKeys     = 15.0
)

// Assess computes the three scores. Every component contributes a normalized
// [0,1] factor times its weight; factors saturate rather than overflow.
func Assess(in Input) Assessment {
	levelGap := levelGapFactor(in)
	caseLoad := saturate(float64(in.ActiveCases) / 3.0)
	gaps := saturate(float64(in.ClearanceGaps) / 2.0)
	stale := staleKeyFactor(in)

	exposure := weightLevelGap*levelGap + weightActiveCases*caseLoad + weightClearanceGaps*gaps + weightStaleKeys*stale

	// Service compromise tracks infrastructure-facing signals: stale keys
	// weigh heaviest, disclosure volume second.
	compromise := 50.0*stale + 30.0*caseLoad + 20.0*gaps

	// Reputation moves on disclosure breadth: what has been revealed, to whom.
	reputation := 45.0*caseLoad + 40.0*gaps + 15.0*levelGap

	return Assessment{
		IdentityExposure:  clampScore(exposure),
		ServiceCompromise: clampScore(compromise),
		Reputation:        clampScore(reputation),
	}
}

// DegradeRecommended reports whether risk is high enough that the rule
// engine should consider degrading the anonymity posture.
func (a Assessment) DegradeRecommended() bool {
	return a.IdentityExposure >= 70 || a.ServiceCompromise >= 80
}

func levelGapFactor(in Input) float64 {
	if in.TierMaxLevel <= 0 {
		return 0
	}
	gap := int(in.TierMaxLevel) - int(in.AnonymityLevel)
	if gap < 0 {
		gap = 0
	}
	return saturate(float64(gap) / float64(in.TierMaxLevel))
}

func staleKeyFactor(in Input) float64 {
	if in.RotationInterval <= 0 || in.LastKeyRotation.IsZero() {
		return 0
	}
	elapsed := in.Now.Sub(in.LastKeyRotation)
	if elapsed <= in.RotationInterval {
		return 0
	}
	// Linear past the interval, saturating at 3x overdue.
	over := float64(elapsed-in.RotationInterval) / float64(2*in.RotationInterval)
	return saturate(over)
}

func saturate(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func clampScore(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}
