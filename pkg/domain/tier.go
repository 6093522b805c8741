package domain

import dErrors "veil/pkg/domain-errors"

// Tier is the ordered client classification. It bounds the maximum anonymity
// level an identity can reach and gates the extended attribute layer.
//
// Usage: construct via ParseTier at trust boundaries; direct casting bypasses
// validation.
type Tier string

const (
	TierSterling  Tier = "sterling"
	TierObsidian  Tier = "obsidian"
	TierSovereign Tier = "sovereign"
)

// tierOrder is the single source of truth for tier ordering and validity.
var tierOrder = map[Tier]int{
	TierSterling:  1,
	TierObsidian:  2,
	TierSovereign: 3,
}

// ParseTier constructs a Tier from external input.
func ParseTier(s string) (Tier, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "tier cannot be empty")
	}
	t := Tier(s)
	if !t.IsValid() {
		return "", dErrors.Newf(dErrors.CodeUnknownTier, "unknown tier %q", s)
	}
	return t, nil
}

func (t Tier) IsValid() bool { return tierOrder[t] != 0 }

// AtLeast reports whether t ranks at or above other.
func (t Tier) AtLeast(other Tier) bool { return tierOrder[t] >= tierOrder[other] }

func (t Tier) String() string { return string(t) }

// AnonymityLevel is the ordinal strength of concealment currently in effect.
// Higher is stronger. The tier configuration bounds the maximum.
type AnonymityLevel int

const (
	LevelBasic    AnonymityLevel = 1
	LevelEnhanced AnonymityLevel = 2
	LevelMaximum  AnonymityLevel = 3
	LevelAbsolute AnonymityLevel = 4
)

func (l AnonymityLevel) IsValid() bool { return l >= LevelBasic && l <= LevelAbsolute }

// Clamp bounds l to [LevelBasic, max].
func (l AnonymityLevel) Clamp(max AnonymityLevel) AnonymityLevel {
	if l > max {
		return max
	}
	if l < LevelBasic {
		return LevelBasic
	}
	return l
}

func (l AnonymityLevel) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelEnhanced:
		return "enhanced"
	case LevelMaximum:
		return "maximum"
	case LevelAbsolute:
		return "absolute"
	}
	return "unknown"
}
