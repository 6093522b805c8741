// Package retention owns the durable due-time index. Every timer the
// disclosure core relies on (purges, deferred reveals, consent windows,
// escalation deadlines, override expiries) is a persisted task here, so a
// restart re-derives outstanding work instead of losing in-process timers.
package retention

import (
	"time"

	id "veil/pkg/domain"
)

// TaskKind routes a due task to its registered handler.
type TaskKind string

const (
	TaskPurge              TaskKind = "purge"
	TaskDeferredReveal     TaskKind = "deferred_reveal"
	TaskConsentTimeout     TaskKind = "consent_timeout"
	TaskEscalationDeadline TaskKind = "escalation_deadline"
	TaskOverrideExpiry     TaskKind = "override_expiry"
)

// Task is one scheduled unit of work. The task ID doubles as the
// cancellation token handed back to whoever scheduled it.
type Task struct {
	ID       id.TaskID
	Kind     TaskKind
	CaseID   id.CaseID
	RecordID id.RecordID // set for purge tasks
	StageID  id.StageID  // set for reveal and escalation tasks
	DueAt    time.Time
	Attempts int
	Created  time.Time
}
