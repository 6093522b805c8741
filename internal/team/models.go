// Package team mirrors the external response-team registry. Records are
// supplied by that registry at onboarding; this package only caches and
// serves them to the reveal engine's access checks.
package team

import (
	"time"

	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
)

// TeamType labels what a response team does.
type TeamType string

const (
	TypeMedical  TeamType = "medical"
	TypeSecurity TeamType = "security"
	TypeLegal    TeamType = "legal"
)

// ParseType constructs a TeamType from external input.
func ParseType(s string) (TeamType, error) {
	switch t := TeamType(s); t {
	case TypeMedical, TypeSecurity, TypeLegal:
		return t, nil
	}
	return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid team type %q", s)
}

// EmergencyResponseTeam is one registry record. ClearanceLevel is compared
// against DataTypeSpec sensitivity during access grants; unverified teams are
// never granted anything.
type EmergencyResponseTeam struct {
	TeamID          id.TeamID
	Name            string
	Type            TeamType
	ClearanceLevel  id.Sensitivity
	IdentityAccess  id.RevealLevel
	RetentionPolicy time.Duration
	Verified        bool
}
