package reveal

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veil/internal/audit"
	"veil/internal/identity/vault"
	"veil/internal/retention"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
	"veil/pkg/platform/sentinel"
)

// Retention task handlers. The scheduler redelivers a task whose handler
// fails or whose process crashes mid-flight, so every handler here is
// idempotent: a redelivered task observes the state its first delivery left
// behind and does nothing further.

// handleDeferredReveal fires when an auto-reveal stage's delay elapses. The
// stage reveals only if the case is still evaluating it; consent decisions,
// escalations and cancellation all race ahead of this task and win.
func (e *Engine) handleDeferredReveal(ctx context.Context, task retention.Task) error {
	mu := e.lockFor(task.CaseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, task.CaseID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if c.State != id.CaseStageEvaluating || c.StageID != task.StageID {
		return nil
	}

	protocol, err := e.protocols.Find(c.ProtocolID)
	if err != nil {
		return err
	}
	stage, _, ok := protocol.StageByID(task.StageID)
	if !ok {
		e.logger.Error("deferred reveal references unknown stage", "case_id", task.CaseID, "stage", task.StageID)
		return nil
	}
	subject, err := e.identities.Get(ctx, c.AnonymousID)
	if err != nil {
		return err
	}
	if err := e.revealStage(ctx, &c, subject, stage, false, "scheduler", "deferred reveal due"); err != nil {
		return err
	}
	return e.cases.Update(ctx, c)
}

// handleConsentTimeout closes an expired consent window. The case falls back
// to its prior stage; nothing reveals and nothing resets to the beginning.
func (e *Engine) handleConsentTimeout(ctx context.Context, task retention.Task) error {
	mu := e.lockFor(task.CaseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, task.CaseID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if c.State != id.CaseConsentPending {
		return nil
	}

	timedOutStage := c.StageID
	e.fallBackToPriorStage(&c)
	if err := e.cases.Update(ctx, c); err != nil {
		return err
	}
	e.emit(ctx, audit.Event{
		AnonymousID: c.AnonymousID,
		CaseID:      c.CaseID,
		Action:      audit.ActionConsentTimedOut,
		Actor:       "scheduler",
		Detail:      "stage=" + string(timedOutStage),
	})
	if e.metrics != nil {
		e.metrics.ConsentOutcomes.WithLabelValues("timed_out").Inc()
	}
	return nil
}

// handleEscalationDeadline disarms the escalation trigger whose window
// elapsed. Conditions signaled afterwards no longer escalate the case.
func (e *Engine) handleEscalationDeadline(ctx context.Context, task retention.Task) error {
	mu := e.lockFor(task.CaseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, task.CaseID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil
		}
		return err
	}
	kept := c.Escalations[:0]
	disarmed := false
	for _, armed := range c.Escalations {
		if armed.TaskID == task.ID {
			disarmed = true
			continue
		}
		kept = append(kept, armed)
	}
	if !disarmed {
		return nil
	}
	c.Escalations = kept
	c.UpdatedAt = e.now()
	return e.cases.Update(ctx, c)
}

// handleOverrideExpiry marks the end of an override window. The applied
// override stays on the case for audit; Expired() turns true by clock, this
// handler only records the transition.
func (e *Engine) handleOverrideExpiry(ctx context.Context, task retention.Task) error {
	mu := e.lockFor(task.CaseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, task.CaseID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if c.Override == nil {
		return nil
	}
	e.logger.Info("consent override window elapsed",
		"case_id", c.CaseID, "override", c.Override.Type, "applied_at", c.Override.AppliedAt)
	return nil
}

// handlePurge wipes one revealed record. Redelivery after a crash finds the
// record already wiped and emits nothing. When the last record goes, the case
// terminates and every outstanding access token for it dies.
func (e *Engine) handlePurge(ctx context.Context, task retention.Task) error {
	ctx, span := e.tracer.Start(ctx, "reveal.Purge",
		trace.WithAttributes(attribute.String("record_id", task.RecordID.String())))
	defer span.End()

	mu := e.lockFor(task.CaseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.cases.Get(ctx, task.CaseID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	idx, ok := c.RecordByID(task.RecordID)
	if !ok || c.Records[idx].Purged() {
		return nil
	}

	now := e.now()
	vault.Wipe(c.Records[idx].Payload)
	c.Records[idx].Payload = nil
	c.Records[idx].PurgedAt = &now

	if c.AllPurged() {
		c.State = id.CasePurged
	}
	c.UpdatedAt = now
	if err := e.cases.Update(ctx, c); err != nil {
		return err
	}

	e.emit(ctx, audit.Event{
		AnonymousID: c.AnonymousID,
		CaseID:      c.CaseID,
		Action:      audit.ActionPurged,
		Actor:       "scheduler",
		Detail:      "type=" + c.Records[idx].DataType,
	})
	if e.metrics != nil {
		e.metrics.RecordsPurged.Inc()
	}

	if c.State == id.CasePurged {
		if err := e.minter.RevokeCase(ctx, c.CaseID); err != nil {
			e.logger.Error("revoke case tokens failed", "case_id", c.CaseID, "error", err)
		}
		if err := e.scheduler.CancelByCase(ctx, c.CaseID,
			retention.TaskConsentTimeout, retention.TaskDeferredReveal,
			retention.TaskEscalationDeadline, retention.TaskOverrideExpiry); err != nil {
			e.logger.Error("cancel residual case tasks failed", "case_id", c.CaseID, "error", err)
		}
	}
	return nil
}
