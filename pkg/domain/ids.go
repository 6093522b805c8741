// Package domain holds typed identifiers and shared enumerations. IDs are
// uuid-backed distinct types so the compiler rejects cross-entity mixups;
// construct them via Parse* at trust boundaries to enforce validity.
package domain

import (
	"github.com/google/uuid"

	dErrors "veil/pkg/domain-errors"
)

// AnonymousID identifies an anonymous identity. It is the only identifier
// external collaborators ever see.
type AnonymousID uuid.UUID

// CaseID identifies a reveal case.
type CaseID uuid.UUID

// TeamID identifies an emergency response team.
type TeamID uuid.UUID

// RecordID identifies a revealed data record.
type RecordID uuid.UUID

// TaskID identifies a scheduled retention task.
type TaskID uuid.UUID

func (id AnonymousID) String() string { return uuid.UUID(id).String() }
func (id AnonymousID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id CaseID) String() string { return uuid.UUID(id).String() }
func (id CaseID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id TeamID) String() string { return uuid.UUID(id).String() }
func (id TeamID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id RecordID) String() string { return uuid.UUID(id).String() }
func (id RecordID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id TaskID) String() string { return uuid.UUID(id).String() }
func (id TaskID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// IDs serialize as canonical uuid strings, not byte arrays.

func (id AnonymousID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *AnonymousID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id CaseID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *CaseID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id TeamID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *TeamID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id RecordID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *RecordID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id TaskID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *TaskID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be empty", what)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid %s", what)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be nil", what)
	}
	return u, nil
}

// ParseAnonymousID constructs an AnonymousID from external input.
func ParseAnonymousID(s string) (AnonymousID, error) {
	u, err := parseUUID(s, "anonymous id")
	return AnonymousID(u), err
}

// ParseCaseID constructs a CaseID from external input.
func ParseCaseID(s string) (CaseID, error) {
	u, err := parseUUID(s, "case id")
	return CaseID(u), err
}

// ParseTeamID constructs a TeamID from external input.
func ParseTeamID(s string) (TeamID, error) {
	u, err := parseUUID(s, "team id")
	return TeamID(u), err
}

// ParseRecordID constructs a RecordID from external input.
func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s, "record id")
	return RecordID(u), err
}

// ParseTaskID constructs a TaskID from external input.
func ParseTaskID(s string) (TaskID, error) {
	u, err := parseUUID(s, "task id")
	return TaskID(u), err
}

// ProtocolID names a static reveal protocol. Protocols are configuration, not
// rows, so their ids stay human-readable (e.g. "medical_emergency").
type ProtocolID string

func (id ProtocolID) String() string { return string(id) }

// StageID names one stage inside a protocol (e.g. "medical_immediate").
type StageID string

func (id StageID) String() string { return string(id) }
