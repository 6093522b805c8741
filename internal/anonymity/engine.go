// Package anonymity decides how an identity's concealment posture changes
// during ordinary, non-emergency operation. Rules are evaluated in
// registration order and the first match wins; multiple simultaneously true
// rules never combine.
package anonymity

import (
	"context"
	"fmt"
	"log/slog"

	"veil/internal/risk"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
)

// Action is what a matched rule does to the identity's posture.
type Action string

const (
	ActionMaintain Action = "maintain"
	ActionEnhance  Action = "enhance"
	ActionDegrade  Action = "degrade"
	ActionReveal   Action = "reveal"
)

// Context carries the signals a condition may inspect.
type Context struct {
	AnonymousID  id.AnonymousID
	Tier         id.Tier
	Category     string // service category the identity is operating in
	CurrentLevel id.AnonymityLevel
	MaxLevel     id.AnonymityLevel
	AutoDegrade  bool
	Risk         risk.Assessment
	ActiveCases  int
}

// Condition is a pure predicate over the evaluation context.
type Condition func(Context) bool

// Rule scopes a condition to an optional tier and category. Empty scope
// fields match everything.
type Rule struct {
	Name       string
	ScopeTier  id.Tier // zero value matches all tiers
	ScopeCat   string  // empty matches all categories
	Condition  Condition
	Action     Action
	Parameters map[string]string
}

func (r Rule) matchesScope(c Context) bool {
	if r.ScopeTier != "" && r.ScopeTier != c.Tier {
		return false
	}
	if r.ScopeCat != "" && r.ScopeCat != c.Category {
		return false
	}
	return true
}

// Decision is the evaluation outcome.
type Decision struct {
	Rule       string
	Action     Action
	Parameters map[string]string
}

// Engine holds the ordered rule list. Registration order is the precedence
// order; there is no priority field.
type Engine struct {
	rules  []Rule
	logger *slog.Logger
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register appends a rule. Call order defines precedence.
func (e *Engine) Register(rule Rule) error {
	if rule.Name == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "rule name is required")
	}
	if rule.Condition == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "rule condition is required")
	}
	switch rule.Action {
	case ActionMaintain, ActionEnhance, ActionDegrade, ActionReveal:
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "invalid rule action %q", rule.Action)
	}
	e.rules = append(e.rules, rule)
	return nil
}

// Evaluate applies the first rule (in registration order) whose scope and
// condition both hold. No rule matching yields maintain.
func (e *Engine) Evaluate(c Context) Decision {
	for _, rule := range e.rules {
		if !rule.matchesScope(c) {
			continue
		}
		if rule.Condition(c) {
			return Decision{Rule: rule.Name, Action: rule.Action, Parameters: rule.Parameters}
		}
	}
	return Decision{Rule: "", Action: ActionMaintain}
}

// LevelSetter is the slice of the identity service the engine needs to apply
// a decision.
type LevelSetter interface {
	SetLevel(ctx context.Context, anonymousID id.AnonymousID, level id.AnonymityLevel, reason string) (id.AnonymityLevel, error)
}

// Apply translates a decision into a level mutation. Maintain is a no-op;
// reveal is out of this engine's authority and only flags the caller to start
// the emergency path.
func (e *Engine) Apply(ctx context.Context, setter LevelSetter, c Context, d Decision) error {
	reason := fmt.Sprintf("rule %q", d.Rule)
	switch d.Action {
	case ActionMaintain:
		return nil
	case ActionEnhance:
		if c.CurrentLevel >= c.MaxLevel {
			return nil
		}
		_, err := setter.SetLevel(ctx, c.AnonymousID, c.CurrentLevel+1, reason)
		return err
	case ActionDegrade:
		if !c.AutoDegrade {
			e.logger.Info("degrade suppressed, auto-degrade disabled",
				"anonymous_id", c.AnonymousID, "rule", d.Rule)
			return nil
		}
		if c.CurrentLevel <= id.LevelBasic {
			return nil
		}
		_, err := setter.SetLevel(ctx, c.AnonymousID, c.CurrentLevel-1, reason)
		return err
	case ActionReveal:
		e.logger.Warn("rule requested reveal outside emergency path",
			"anonymous_id", c.AnonymousID, "rule", d.Rule)
		return nil
	}
	return dErrors.Newf(dErrors.CodeInvariantViolation, "unknown action %q", d.Action)
}

// DefaultRules is the deployment rule set: risk-driven degradation first,
// then recovery back toward the tier ceiling when things are quiet.
func DefaultRules(e *Engine) error {
	rules := []Rule{
		{
			Name:      "degrade_on_high_exposure",
			Condition: func(c Context) bool { return c.Risk.DegradeRecommended() },
			Action:    ActionDegrade,
		},
		{
			Name:      "hold_during_active_cases",
			Condition: func(c Context) bool { return c.ActiveCases > 0 },
			Action:    ActionMaintain,
		},
		{
			Name:      "recover_toward_ceiling",
			Condition: func(c Context) bool { return c.CurrentLevel < c.MaxLevel },
			Action:    ActionEnhance,
		},
	}
	for _, r := range rules {
		if err := e.Register(r); err != nil {
			return err
		}
	}
	return nil
}
