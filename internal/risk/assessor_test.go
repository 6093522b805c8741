package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	id "veil/pkg/domain"
)

func baseline(now time.Time) Input {
	return Input{
		AnonymityLevel:   id.LevelMaximum,
		TierMaxLevel:     id.LevelMaximum,
		ActiveCases:      0,
		ClearanceGaps:    0,
		LastKeyRotation:  now.Add(-time.Hour),
		RotationInterval: 7 * 24 * time.Hour,
		Now:              now,
	}
}

func TestAssess_QuietIdentityScoresLow(t *testing.T) {
	now := time.Now()
	a := Assess(baseline(now))
	assert.Zero(t, a.IdentityExposure)
	assert.Zero(t, a.ServiceCompromise)
	assert.Zero(t, a.Reputation)
	assert.False(t, a.DegradeRecommended())
}

func TestAssess_ActiveCasesRaiseExposure(t *testing.T) {
	now := time.Now()
	in := baseline(now)
	in.ActiveCases = 2

	a := Assess(in)
	assert.Greater(t, a.IdentityExposure, 0.0)
	assert.Greater(t, a.Reputation, 0.0)

	in.ActiveCases = 10
	saturated := Assess(in)
	assert.LessOrEqual(t, saturated.IdentityExposure, 100.0)
}

func TestAssess_ClearanceGapsDominateReputation(t *testing.T) {
	now := time.Now()
	in := baseline(now)
	in.ClearanceGaps = 2

	a := Assess(in)
	assert.GreaterOrEqual(t, a.Reputation, 40.0)
}

func TestAssess_StaleKeysDriveCompromise(t *testing.T) {
	now := time.Now()
	in := baseline(now)
	in.LastKeyRotation = now.Add(-30 * 24 * time.Hour) // 7d interval, 3x overdue

	a := Assess(in)
	assert.GreaterOrEqual(t, a.ServiceCompromise, 50.0)
	assert.True(t, Assess(in).DegradeRecommended() == (a.IdentityExposure >= 70 || a.ServiceCompromise >= 80))
}

func TestAssess_ScoresBounded(t *testing.T) {
	now := time.Now()
	in := Input{
		AnonymityLevel:   id.LevelBasic,
		TierMaxLevel:     id.LevelAbsolute,
		ActiveCases:      100,
		ClearanceGaps:    100,
		LastKeyRotation:  now.Add(-365 * 24 * time.Hour),
		RotationInterval: 24 * time.Hour,
		Now:              now,
	}
	a := Assess(in)
	assert.LessOrEqual(t, a.IdentityExposure, 100.0)
	assert.LessOrEqual(t, a.ServiceCompromise, 100.0)
	assert.LessOrEqual(t, a.Reputation, 100.0)
	assert.True(t, a.DegradeRecommended())
}
