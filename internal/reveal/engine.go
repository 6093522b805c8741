package reveal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veil/internal/audit"
	"veil/internal/identity"
	"veil/internal/identity/vault"
	"veil/internal/platform/metrics"
	"veil/internal/retention"
	"veil/internal/reveal/token"
	"veil/internal/team"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
	"veil/pkg/platform/sentinel"
)

// Engine drives reveal cases through their lifecycle. All timer-shaped
// behavior (deferred reveals, consent windows, escalation deadlines, override
// expiry, purges) goes through the retention scheduler so it survives
// restarts; the engine itself holds no in-process timers.
//
// Mutations on one case are serialized through a per-case lock; the case
// store additionally guards the single-active-case rule for concurrent
// activations across instances.
type Engine struct {
	cases      CaseStore
	protocols  ProtocolRegistry
	identities *identity.Service
	teams      team.Registry
	scheduler  *retention.Scheduler
	minter     *token.Minter
	sealer     *vault.Sealer
	resolver   DataResolver

	logger  *slog.Logger
	metrics *metrics.Metrics
	auditor *audit.Publisher
	tracer  trace.Tracer
	gen     id.Generator
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[id.CaseID]*sync.Mutex
}

type EngineOption func(*Engine)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithAuditPublisher(p *audit.Publisher) EngineOption {
	return func(e *Engine) { e.auditor = p }
}

func WithResolver(r DataResolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// WithGenerator injects the id source for cases, records and tasks.
func WithGenerator(g id.Generator) EngineOption {
	return func(e *Engine) { e.gen = g }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(
	cases CaseStore,
	protocols ProtocolRegistry,
	identities *identity.Service,
	teams team.Registry,
	scheduler *retention.Scheduler,
	minter *token.Minter,
	sealer *vault.Sealer,
	opts ...EngineOption,
) (*Engine, error) {
	if cases == nil || protocols == nil || identities == nil || teams == nil {
		return nil, fmt.Errorf("case store, protocol registry, identity service and team registry are required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("retention scheduler is required")
	}
	if minter == nil {
		return nil, fmt.Errorf("token minter is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	e := &Engine{
		cases:      cases,
		protocols:  protocols,
		identities: identities,
		teams:      teams,
		scheduler:  scheduler,
		minter:     minter,
		sealer:     sealer,
		logger:     slog.Default(),
		tracer:     otel.Tracer("veil/reveal"),
		gen:        id.NewRandomGenerator(time.Now().UnixNano()),
		now:        time.Now,
		locks:      make(map[id.CaseID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = NewIdentityResolver(sealer)
	}
	e.scheduler.Register(retention.TaskDeferredReveal, e.handleDeferredReveal)
	e.scheduler.Register(retention.TaskConsentTimeout, e.handleConsentTimeout)
	e.scheduler.Register(retention.TaskEscalationDeadline, e.handleEscalationDeadline)
	e.scheduler.Register(retention.TaskOverrideExpiry, e.handleOverrideExpiry)
	e.scheduler.Register(retention.TaskPurge, e.handlePurge)
	return e, nil
}

func (e *Engine) lockFor(caseID id.CaseID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[caseID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[caseID] = mu
	}
	return mu
}

// Activate opens a reveal case for an identity under the protocol registered
// for emergencyType. Stage selection takes the first declared stage whose
// trigger conditions intersect the supplied set. A second activation for the
// same (identity, emergency type) while a case is still live fails with
// AlreadyActive.
func (e *Engine) Activate(ctx context.Context, anonymousID id.AnonymousID, emergencyType string, triggerConditions []string, actor string) (RevealCase, error) {
	ctx, span := e.tracer.Start(ctx, "reveal.Activate",
		trace.WithAttributes(attribute.String("emergency_type", emergencyType)))
	defer span.End()

	subject, err := e.identities.Get(ctx, anonymousID)
	if err != nil {
		return RevealCase{}, err
	}
	if !triggersPermitted(subject.Controls.RevealTriggers, emergencyType, triggerConditions) {
		return RevealCase{}, dErrors.New(dErrors.CodeUnauthorized, "trigger conditions not permitted for this identity")
	}

	protocol, err := e.protocols.Find(id.ProtocolID(emergencyType))
	if err != nil {
		return RevealCase{}, err
	}
	stage, stageIdx, ok := protocol.SelectStage(triggerConditions)
	if !ok {
		return RevealCase{}, dErrors.New(dErrors.CodeInvalidInput, "no protocol stage matches the trigger conditions")
	}

	now := e.now()
	c := RevealCase{
		CaseID:        id.CaseID(e.gen.NewID()),
		AnonymousID:   anonymousID,
		EmergencyType: emergencyType,
		ProtocolID:    protocol.ID,
		State:         id.CaseStageEvaluating,
		StageID:       stage.ID,
		StageIndex:    stageIdx,
		PriorStageID:  stage.ID,
		ActivatedAt:   now,
		UpdatedAt:     now,
	}
	if err := e.cases.Create(ctx, c); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return RevealCase{}, dErrors.Newf(dErrors.CodeAlreadyActive, "an active %s case already exists for this identity", emergencyType)
		}
		return RevealCase{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create reveal case")
	}
	span.SetAttributes(attribute.String("case_id", c.CaseID.String()))

	e.emit(ctx, audit.Event{
		AnonymousID:   anonymousID,
		CaseID:        c.CaseID,
		Action:        audit.ActionCaseActivated,
		Actor:         actor,
		Justification: strings.Join(triggerConditions, ","),
		Detail:        fmt.Sprintf("protocol=%s stage=%s", protocol.ID, stage.ID),
	})
	if e.metrics != nil {
		e.metrics.CasesActivated.WithLabelValues(emergencyType).Inc()
	}

	if err := e.armEscalations(ctx, &c, protocol); err != nil {
		return RevealCase{}, err
	}
	if err := e.enterStage(ctx, &c, subject, protocol, stage, actor); err != nil {
		return RevealCase{}, err
	}
	if err := e.cases.Update(ctx, c); err != nil {
		return RevealCase{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist case state")
	}
	return c, nil
}

// triggersPermitted reports whether the identity allows this activation. The
// allowed set may name whole emergency types or individual condition tokens.
func triggersPermitted(allowed []string, emergencyType string, supplied []string) bool {
	set := NormalizeConditions(allowed)
	if set[strings.ToLower(strings.TrimSpace(emergencyType))] {
		return true
	}
	for c := range NormalizeConditions(supplied) {
		if set[c] {
			return true
		}
	}
	return false
}

// armEscalations schedules a disarm deadline per protocol escalation trigger.
// A condition signaled after its deadline fires no longer escalates.
func (e *Engine) armEscalations(ctx context.Context, c *RevealCase, protocol RevealProtocol) error {
	now := e.now()
	for _, esc := range protocol.Escalations {
		taskID, err := e.scheduler.Schedule(ctx, retention.Task{
			ID:      id.TaskID(e.gen.NewID()),
			Kind:    retention.TaskEscalationDeadline,
			CaseID:  c.CaseID,
			StageID: esc.NextStage,
			DueAt:   now.Add(esc.TimeThreshold),
			Created: now,
		})
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to arm escalation deadline")
		}
		c.Escalations = append(c.Escalations, ArmedEscalation{
			Condition: esc.Condition,
			Deadline:  now.Add(esc.TimeThreshold),
			Automatic: esc.Automatic,
			NextStage: esc.NextStage,
			TaskID:    taskID,
		})
	}
	return nil
}

// enterStage routes a case into one of the three stage entry paths: consent
// gate, deferred reveal, or immediate reveal. An unexpired override whose
// scope covers the stage bypasses the consent gate.
func (e *Engine) enterStage(ctx context.Context, c *RevealCase, subject identity.AnonymousIdentity, protocol RevealProtocol, stage Stage, actor string) error {
	now := e.now()
	switch {
	case stage.RequiresConsent:
		if c.Override != nil && !c.Override.Expired(now) && overrideCovers(*c.Override, protocol, stage) {
			e.emit(ctx, audit.Event{
				AnonymousID:   c.AnonymousID,
				CaseID:        c.CaseID,
				Action:        audit.ActionOverrideApplied,
				Actor:         actor,
				Justification: c.Override.LegalBasis,
				Detail:        fmt.Sprintf("override=%s stage=%s", c.Override.Type, stage.ID),
			})
			return e.revealStage(ctx, c, subject, stage, false, actor, "consent bypassed by "+c.Override.Type)
		}
		deadline := now.Add(stage.Delay)
		if _, err := e.scheduler.Schedule(ctx, retention.Task{
			ID:      id.TaskID(e.gen.NewID()),
			Kind:    retention.TaskConsentTimeout,
			CaseID:  c.CaseID,
			StageID: stage.ID,
			DueAt:   deadline,
			Created: now,
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to schedule consent timeout")
		}
		c.State = id.CaseConsentPending
		c.ConsentDeadline = &deadline
		c.UpdatedAt = now
		return nil

	case stage.Delay > 0:
		if _, err := e.scheduler.Schedule(ctx, retention.Task{
			ID:      id.TaskID(e.gen.NewID()),
			Kind:    retention.TaskDeferredReveal,
			CaseID:  c.CaseID,
			StageID: stage.ID,
			DueAt:   now.Add(stage.Delay),
			Created: now,
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to schedule deferred reveal")
		}
		c.State = id.CaseStageEvaluating
		c.UpdatedAt = now
		return nil

	case stage.AutoReveal:
		c.State = id.CaseImmediateReveal
		return e.revealStage(ctx, c, subject, stage, false, actor, "automatic reveal")

	default:
		c.State = id.CaseStageEvaluating
		c.UpdatedAt = now
		return nil
	}
}

func overrideCovers(o AppliedOverride, protocol RevealProtocol, stage Stage) bool {
	def, ok := protocol.OverrideByType(o.Type)
	if !ok {
		return false
	}
	scope := make(map[string]bool, len(def.DataScope))
	for _, dt := range def.DataScope {
		scope[dt] = true
	}
	for _, spec := range stage.DataTypes {
		if !scope[spec.DataType] {
			return false
		}
	}
	return true
}

// revealStage materializes the stage's data records: resolve, seal, persist,
// and schedule one purge task per record. Records are built in full before
// any are committed, so a resolver failure reveals nothing.
func (e *Engine) revealStage(ctx context.Context, c *RevealCase, subject identity.AnonymousIdentity, stage Stage, consentGiven bool, actor, justification string) error {
	now := e.now()
	records := make([]RevealedDataRecord, 0, len(stage.DataTypes))
	for _, spec := range stage.DataTypes {
		plaintext, err := e.resolver.Resolve(ctx, subject, spec)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve "+spec.DataType)
		}
		sealed, err := e.sealer.Seal(plaintext)
		vault.Wipe(plaintext)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal "+spec.DataType)
		}
		records = append(records, RevealedDataRecord{
			RecordID:         id.RecordID(e.gen.NewID()),
			DataType:         spec.DataType,
			Sensitivity:      spec.Sensitivity,
			Payload:          sealed,
			RevealedAt:       now,
			ConsentGiven:     consentGiven,
			PurgeScheduledAt: now.Add(spec.PurgeAfter),
		})
	}

	c.Records = append(c.Records, records...)
	c.State = id.CaseRevealed
	c.StageID = stage.ID
	c.PriorStageID = stage.ID
	c.ConsentDeadline = nil
	c.UpdatedAt = now

	for _, rec := range records {
		if _, err := e.scheduler.Schedule(ctx, retention.Task{
			ID:       id.TaskID(e.gen.NewID()),
			Kind:     retention.TaskPurge,
			CaseID:   c.CaseID,
			RecordID: rec.RecordID,
			StageID:  stage.ID,
			DueAt:    rec.PurgeScheduledAt,
			Created:  now,
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to schedule purge for "+rec.DataType)
		}
		if e.metrics != nil {
			e.metrics.RecordsRevealed.WithLabelValues(string(stage.RevealLevel)).Inc()
		}
	}

	dataTypes := make([]string, len(records))
	for i, rec := range records {
		dataTypes[i] = rec.DataType
	}
	e.emit(ctx, audit.Event{
		AnonymousID:   c.AnonymousID,
		CaseID:        c.CaseID,
		Action:        audit.ActionRevealed,
		Actor:         actor,
		Justification: justification,
		Detail:        fmt.Sprintf("stage=%s level=%s types=%s", stage.ID, stage.RevealLevel, strings.Join(dataTypes, ",")),
	})
	return nil
}

// GiveConsent approves a pending consent-gated stage. After the window closes
// the decision is recorded as denied and the case stays at its prior stage.
func (e *Engine) GiveConsent(ctx context.Context, caseID id.CaseID, actor string) (RevealCase, error) {
	mu := e.lockFor(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, caseID)
	if err != nil {
		return RevealCase{}, err
	}
	if c.State != id.CaseConsentPending {
		return RevealCase{}, dErrors.Newf(dErrors.CodeConsentDenied, "case is not awaiting consent (state %s)", c.State)
	}
	now := e.now()
	if c.ConsentDeadline != nil && now.After(*c.ConsentDeadline) {
		return RevealCase{}, dErrors.New(dErrors.CodeConsentDenied, "consent window has closed")
	}

	subject, err := e.identities.Get(ctx, c.AnonymousID)
	if err != nil {
		return RevealCase{}, err
	}
	protocol, err := e.protocols.Find(c.ProtocolID)
	if err != nil {
		return RevealCase{}, err
	}
	stage, _, ok := protocol.StageByID(c.StageID)
	if !ok {
		return RevealCase{}, dErrors.Newf(dErrors.CodeInvariantViolation, "case references unknown stage %q", c.StageID)
	}

	// Reveal and persist before touching the timeout task or the ledger. A
	// failed reveal leaves the window open so the timeout can still close
	// it; cancelling or recording consent first would strand the case in
	// ConsentPending with no way out.
	if err := e.revealStage(ctx, &c, subject, stage, true, actor, "consent given"); err != nil {
		return RevealCase{}, err
	}
	if err := e.cases.Update(ctx, c); err != nil {
		return RevealCase{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist case state")
	}
	if err := e.scheduler.CancelByCase(ctx, caseID, retention.TaskConsentTimeout); err != nil {
		// The timeout handler no-ops once the case has left ConsentPending.
		e.logger.Error("cancel consent timeout failed", "case_id", caseID, "error", err)
	}
	e.emit(ctx, audit.Event{
		AnonymousID: c.AnonymousID,
		CaseID:      caseID,
		Action:      audit.ActionConsentGiven,
		Actor:       actor,
		Detail:      "stage=" + string(stage.ID),
	})
	if e.metrics != nil {
		e.metrics.ConsentOutcomes.WithLabelValues("given").Inc()
	}
	return c, nil
}

// RevokeConsent withdraws consent. While a consent window is open it acts as
// a denial; after a reveal it is recorded but cannot unreveal data, which
// leaves on its scheduled purge.
func (e *Engine) RevokeConsent(ctx context.Context, caseID id.CaseID, actor string) (RevealCase, error) {
	mu := e.lockFor(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, caseID)
	if err != nil {
		return RevealCase{}, err
	}
	if c.State == id.CasePurged {
		return RevealCase{}, dErrors.New(dErrors.CodeConflict, "case is purged")
	}

	if c.State == id.CaseConsentPending {
		if err := e.scheduler.CancelByCase(ctx, caseID, retention.TaskConsentTimeout); err != nil {
			return RevealCase{}, err
		}
		e.fallBackToPriorStage(&c)
	}
	e.emit(ctx, audit.Event{
		AnonymousID: c.AnonymousID,
		CaseID:      caseID,
		Action:      audit.ActionConsentRevoked,
		Actor:       actor,
	})
	if e.metrics != nil {
		e.metrics.ConsentOutcomes.WithLabelValues("revoked").Inc()
	}
	if err := e.cases.Update(ctx, c); err != nil {
		return RevealCase{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist case state")
	}
	return c, nil
}

// fallBackToPriorStage returns a case to the stage it held before a consent
// gate was attempted. Records already revealed are untouched.
func (e *Engine) fallBackToPriorStage(c *RevealCase) {
	if len(c.Records) > 0 {
		c.State = id.CaseRevealed
	} else {
		c.State = id.CaseStageEvaluating
	}
	c.StageID = c.PriorStageID
	c.ConsentDeadline = nil
	c.UpdatedAt = e.now()
}

// SignalEscalation reports an external condition. When it matches an armed
// automatic escalation trigger before its deadline, the case advances to the
// trigger's target stage and reveals it without consent. Stage order is
// monotonic; escalation never moves a case backwards.
func (e *Engine) SignalEscalation(ctx context.Context, caseID id.CaseID, condition, actor string) (RevealCase, error) {
	ctx, span := e.tracer.Start(ctx, "reveal.SignalEscalation",
		trace.WithAttributes(attribute.String("condition", condition)))
	defer span.End()

	mu := e.lockFor(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, caseID)
	if err != nil {
		return RevealCase{}, err
	}
	if c.State == id.CasePurged {
		return RevealCase{}, dErrors.New(dErrors.CodeConflict, "case is purged")
	}

	now := e.now()
	condition = strings.ToLower(strings.TrimSpace(condition))
	idx := -1
	for i, armed := range c.Escalations {
		if armed.Condition == condition && armed.Automatic && !now.After(armed.Deadline) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return RevealCase{}, dErrors.Newf(dErrors.CodeNotFound, "no armed escalation matches condition %q", condition)
	}
	armed := c.Escalations[idx]

	protocol, err := e.protocols.Find(c.ProtocolID)
	if err != nil {
		return RevealCase{}, err
	}
	stage, stageIdx, ok := protocol.StageByID(armed.NextStage)
	if !ok {
		return RevealCase{}, dErrors.Newf(dErrors.CodeInvariantViolation, "escalation targets unknown stage %q", armed.NextStage)
	}
	// Stage order never decreases. Escalating into the current stage is
	// allowed only while that stage awaits consent, where it acts as the
	// consent bypass; anywhere else it would re-reveal an entered stage.
	if stageIdx < c.StageIndex || (stageIdx == c.StageIndex && c.State != id.CaseConsentPending) {
		return RevealCase{}, dErrors.New(dErrors.CodeConflict, "escalation cannot move the case to an earlier stage")
	}

	subject, err := e.identities.Get(ctx, c.AnonymousID)
	if err != nil {
		return RevealCase{}, err
	}

	if err := e.scheduler.Cancel(ctx, armed.TaskID); err != nil {
		return RevealCase{}, err
	}
	if c.State == id.CaseConsentPending {
		if err := e.scheduler.CancelByCase(ctx, caseID, retention.TaskConsentTimeout); err != nil {
			return RevealCase{}, err
		}
	}
	c.Escalations = append(c.Escalations[:idx], c.Escalations[idx+1:]...)
	c.State = id.CaseEscalated
	c.StageIndex = stageIdx

	e.emit(ctx, audit.Event{
		AnonymousID:   c.AnonymousID,
		CaseID:        caseID,
		Action:        audit.ActionEscalated,
		Actor:         actor,
		Justification: condition,
		Detail:        "stage=" + string(stage.ID),
	})
	if e.metrics != nil {
		e.metrics.Escalations.Inc()
	}

	// Escalation bypasses the target stage's consent gate.
	if err := e.revealStage(ctx, &c, subject, stage, false, actor, "escalated on "+condition); err != nil {
		return RevealCase{}, err
	}
	if err := e.cases.Update(ctx, c); err != nil {
		return RevealCase{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist case state")
	}
	return c, nil
}

// ApplyOverride applies a protocol-defined consent override to a case whose
// current stage awaits consent, revealing it immediately. The override stays
// in effect for its time limit; consent gates entered after expiry behave
// normally again.
func (e *Engine) ApplyOverride(ctx context.Context, caseID id.CaseID, overrideType, justification, actor string) (RevealCase, error) {
	mu := e.lockFor(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, caseID)
	if err != nil {
		return RevealCase{}, err
	}
	if c.State == id.CasePurged {
		return RevealCase{}, dErrors.New(dErrors.CodeConflict, "case is purged")
	}
	if justification == "" {
		return RevealCase{}, dErrors.New(dErrors.CodeInvalidInput, "override justification is required")
	}

	protocol, err := e.protocols.Find(c.ProtocolID)
	if err != nil {
		return RevealCase{}, err
	}
	def, ok := protocol.OverrideByType(overrideType)
	if !ok {
		return RevealCase{}, dErrors.Newf(dErrors.CodeNotFound, "protocol %s defines no %q override", protocol.ID, overrideType)
	}

	now := e.now()
	if c.State != id.CaseConsentPending {
		if c.Override != nil && c.Override.Expired(now) {
			return RevealCase{}, dErrors.New(dErrors.CodeOverrideExpired, "override window has elapsed")
		}
		return RevealCase{}, dErrors.New(dErrors.CodeConflict, "no consent-gated stage is pending")
	}

	stage, _, ok := protocol.StageByID(c.StageID)
	if !ok {
		return RevealCase{}, dErrors.Newf(dErrors.CodeInvariantViolation, "case references unknown stage %q", c.StageID)
	}
	applied := AppliedOverride{
		Type:       def.Type,
		LegalBasis: def.LegalBasis,
		AppliedAt:  now,
		ExpiresAt:  now.Add(def.TimeLimit),
	}
	if !overrideCovers(applied, protocol, stage) {
		return RevealCase{}, dErrors.Newf(dErrors.CodeUnauthorized, "override %q does not cover stage %q", overrideType, stage.ID)
	}

	if err := e.scheduler.CancelByCase(ctx, caseID, retention.TaskConsentTimeout); err != nil {
		return RevealCase{}, err
	}
	if _, err := e.scheduler.Schedule(ctx, retention.Task{
		ID:      id.TaskID(e.gen.NewID()),
		Kind:    retention.TaskOverrideExpiry,
		CaseID:  caseID,
		DueAt:   applied.ExpiresAt,
		Created: now,
	}); err != nil {
		return RevealCase{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to schedule override expiry")
	}
	c.Override = &applied

	e.emit(ctx, audit.Event{
		AnonymousID:   c.AnonymousID,
		CaseID:        caseID,
		Action:        audit.ActionOverrideApplied,
		Actor:         actor,
		Justification: fmt.Sprintf("%s (%s)", justification, def.LegalBasis),
		Detail:        fmt.Sprintf("override=%s stage=%s", def.Type, stage.ID),
	})
	if e.metrics != nil {
		e.metrics.OverridesApplied.Inc()
	}

	subject, err := e.identities.Get(ctx, c.AnonymousID)
	if err != nil {
		return RevealCase{}, err
	}
	if err := e.revealStage(ctx, &c, subject, stage, false, actor, "consent overridden: "+justification); err != nil {
		return RevealCase{}, err
	}
	if err := e.cases.Update(ctx, c); err != nil {
		return RevealCase{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist case state")
	}
	return c, nil
}

// GrantAccess checks a response team against every requested data type and
// mints one scoped token per type. The check is all-or-nothing: one
// insufficient clearance denies the whole request and no accessed events are
// written.
func (e *Engine) GrantAccess(ctx context.Context, caseID id.CaseID, teamID id.TeamID, dataTypes []string, actor string) ([]AccessToken, error) {
	ctx, span := e.tracer.Start(ctx, "reveal.GrantAccess",
		trace.WithAttributes(attribute.String("team_id", teamID.String())))
	defer span.End()

	mu := e.lockFor(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(dataTypes) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "at least one data type is required")
	}
	if c.State == id.CasePurged {
		return nil, dErrors.New(dErrors.CodeConflict, "case is purged")
	}

	responder, err := e.teams.FindByID(ctx, teamID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "unknown response team")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up response team")
	}
	if !responder.Verified {
		return nil, e.denyAccess(ctx, c, teamID, actor, "team not verified")
	}

	protocol, err := e.protocols.Find(c.ProtocolID)
	if err != nil {
		return nil, err
	}
	if stage, _, ok := protocol.StageByID(c.StageID); ok {
		if !responder.IdentityAccess.AtLeast(stage.RevealLevel) {
			return nil, e.denyAccess(ctx, c, teamID, actor,
				fmt.Sprintf("team access level %s below stage level %s", responder.IdentityAccess, stage.RevealLevel))
		}
	}

	type grant struct {
		recordIdx int
		record    RevealedDataRecord
	}
	grants := make([]grant, 0, len(dataTypes))
	for _, dt := range dataTypes {
		idx := -1
		for i, rec := range c.Records {
			if rec.DataType == dt && !rec.Purged() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no revealed record for data type %q", dt)
		}
		if int(responder.ClearanceLevel) < int(c.Records[idx].Sensitivity) {
			return nil, e.denyAccess(ctx, c, teamID, actor,
				fmt.Sprintf("clearance %s below sensitivity %s for %s", responder.ClearanceLevel, c.Records[idx].Sensitivity, dt))
		}
		grants = append(grants, grant{recordIdx: idx, record: c.Records[idx]})
	}

	tokens := make([]AccessToken, 0, len(grants))
	for _, g := range grants {
		signed, expiry, err := e.minter.Mint(ctx, caseID, teamID, g.record.DataType, g.record.PurgeScheduledAt)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, AccessToken{Token: signed, DataType: g.record.DataType, ExpiresAt: expiry})

		already := false
		for _, t := range c.Records[g.recordIdx].RevealedTo {
			if t == teamID {
				already = true
				break
			}
		}
		if !already {
			c.Records[g.recordIdx].RevealedTo = append(c.Records[g.recordIdx].RevealedTo, teamID)
		}
		e.emit(ctx, audit.Event{
			AnonymousID:   c.AnonymousID,
			CaseID:        caseID,
			Action:        audit.ActionAccessed,
			Actor:         actor,
			Justification: "team " + responder.Name,
			Detail:        fmt.Sprintf("team=%s type=%s", teamID, g.record.DataType),
		})
		if e.metrics != nil {
			e.metrics.AccessTokensMinted.Inc()
		}
	}

	c.UpdatedAt = e.now()
	if err := e.cases.Update(ctx, c); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist case state")
	}
	return tokens, nil
}

func (e *Engine) denyAccess(ctx context.Context, c RevealCase, teamID id.TeamID, actor, reason string) error {
	e.emit(ctx, audit.Event{
		AnonymousID:   c.AnonymousID,
		CaseID:        c.CaseID,
		Action:        audit.ActionAccessDenied,
		Actor:         actor,
		Justification: reason,
		Detail:        "team=" + teamID.String(),
	})
	return dErrors.New(dErrors.CodeUnauthorized, reason)
}

// CancelCase abandons a case that has revealed nothing yet. Once any record
// exists the case can no longer be cancelled, only purged on schedule.
func (e *Engine) CancelCase(ctx context.Context, caseID id.CaseID, reason, actor string) error {
	mu := e.lockFor(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, caseID)
	if err != nil {
		return err
	}
	if !c.State.Cancellable() || len(c.Records) > 0 {
		return dErrors.Newf(dErrors.CodeConflict, "case in state %s cannot be cancelled", c.State)
	}

	if err := e.scheduler.CancelByCase(ctx, caseID,
		retention.TaskConsentTimeout, retention.TaskDeferredReveal, retention.TaskEscalationDeadline, retention.TaskOverrideExpiry); err != nil {
		return err
	}
	c.State = id.CasePurged
	c.Escalations = nil
	c.ConsentDeadline = nil
	c.UpdatedAt = e.now()
	if err := e.cases.Update(ctx, c); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist case state")
	}
	e.emit(ctx, audit.Event{
		AnonymousID:   c.AnonymousID,
		CaseID:        caseID,
		Action:        audit.ActionCaseCancelled,
		Actor:         actor,
		Justification: reason,
	})
	return nil
}

// CancelEscalations disarms every remaining escalation trigger on a case.
// This is the only timer that may still be cancelled after a reveal.
func (e *Engine) CancelEscalations(ctx context.Context, caseID id.CaseID, actor string) error {
	mu := e.lockFor(caseID)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.getCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.State == id.CasePurged {
		return dErrors.New(dErrors.CodeConflict, "case is purged")
	}
	if err := e.scheduler.CancelByCase(ctx, caseID, retention.TaskEscalationDeadline); err != nil {
		return err
	}
	c.Escalations = nil
	c.UpdatedAt = e.now()
	if err := e.cases.Update(ctx, c); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist case state")
	}
	e.logger.Info("escalation triggers disarmed", "case_id", caseID, "actor", actor)
	return nil
}

// GetCase returns the current case state.
func (e *Engine) GetCase(ctx context.Context, caseID id.CaseID) (RevealCase, error) {
	return e.getCase(ctx, caseID)
}

// ActiveCaseCount reports live cases for an identity. The risk assessor feeds
// on this.
func (e *Engine) ActiveCaseCount(ctx context.Context, anonymousID id.AnonymousID) (int, error) {
	return e.cases.CountActiveByAnonymous(ctx, anonymousID)
}

// ListCases returns all cases ever opened for an identity, purged included.
func (e *Engine) ListCases(ctx context.Context, anonymousID id.AnonymousID) ([]RevealCase, error) {
	return e.cases.ListByAnonymous(ctx, anonymousID)
}

func (e *Engine) getCase(ctx context.Context, caseID id.CaseID) (RevealCase, error) {
	c, err := e.cases.Get(ctx, caseID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return RevealCase{}, dErrors.Newf(dErrors.CodeNotFound, "case %s not found", caseID)
	}
	if err != nil {
		return RevealCase{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load case")
	}
	return c, nil
}

func (e *Engine) emit(ctx context.Context, event audit.Event) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.Emit(ctx, event); err != nil {
		e.logger.Error("emit audit event failed", "action", event.Action, "case_id", event.CaseID, "error", err)
	}
}
