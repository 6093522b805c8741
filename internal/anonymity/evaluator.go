package anonymity

import (
	"context"
	"log/slog"
	"time"

	"veil/internal/audit"
	"veil/internal/identity"
	"veil/internal/risk"
	id "veil/pkg/domain"
)

// lookback bounds how much disclosure history feeds the risk assessment.
const lookback = 30 * 24 * time.Hour

// CaseCounter reports how many non-purged cases an identity has open.
type CaseCounter interface {
	ActiveCaseCount(ctx context.Context, anonymousID id.AnonymousID) (int, error)
}

// Evaluator gathers the signals for one identity, runs the rule engine and
// applies the outcome.
type Evaluator struct {
	engine     *Engine
	identities *identity.Service
	cases      CaseCounter
	auditor    *audit.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

type EvaluatorOption func(*Evaluator)

func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.now = now }
}

func NewEvaluator(engine *Engine, identities *identity.Service, cases CaseCounter, auditor *audit.Publisher, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		engine:     engine,
		identities: identities,
		cases:      cases,
		auditor:    auditor,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate assembles the context for one identity, runs the rules and applies
// the decision. The decision is returned even when applying it was a no-op.
func (e *Evaluator) Evaluate(ctx context.Context, anonymousID id.AnonymousID) (Decision, error) {
	subject, err := e.identities.Get(ctx, anonymousID)
	if err != nil {
		return Decision{}, err
	}
	activeCases, err := e.cases.ActiveCaseCount(ctx, anonymousID)
	if err != nil {
		return Decision{}, err
	}

	now := e.now()
	clearanceGaps := 0
	if e.auditor != nil {
		events, err := e.auditor.ListByAnonymousID(ctx, anonymousID, now.Add(-lookback), now)
		if err != nil {
			return Decision{}, err
		}
		for _, ev := range events {
			if ev.Action == audit.ActionAccessDenied {
				clearanceGaps++
			}
		}
	}

	maxLevel := e.identities.MaxLevel(subject.Tier)
	evalCtx := Context{
		AnonymousID:  anonymousID,
		Tier:         subject.Tier,
		CurrentLevel: subject.Controls.Level,
		MaxLevel:     maxLevel,
		AutoDegrade:  subject.Controls.AutoDegrade,
		ActiveCases:  activeCases,
		Risk: risk.Assess(risk.Input{
			AnonymityLevel:   subject.Controls.Level,
			TierMaxLevel:     maxLevel,
			ActiveCases:      activeCases,
			ClearanceGaps:    clearanceGaps,
			LastKeyRotation:  subject.LastKeyRotation,
			RotationInterval: subject.Interaction.KeyRotationInterval,
			Now:              now,
		}),
	}

	decision := e.engine.Evaluate(evalCtx)
	if err := e.engine.Apply(ctx, e.identities, evalCtx, decision); err != nil {
		return Decision{}, err
	}
	e.logger.InfoContext(ctx, "anonymity posture evaluated",
		"anonymous_id", anonymousID, "rule", decision.Rule, "action", decision.Action)
	return decision, nil
}
