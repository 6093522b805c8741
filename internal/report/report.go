// Package report assembles compliance reports from the audit ledger, the
// case history, and the risk assessor. Reports are derived views; nothing
// here mutates state.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"veil/internal/audit"
	"veil/internal/identity"
	"veil/internal/reveal"
	"veil/internal/risk"
	id "veil/pkg/domain"
	dErrors "veil/pkg/domain-errors"
)

// ComplianceReport summarizes one identity's disclosure history over a time
// window. Score is in [0, 100]; 100 means no weighted violations.
type ComplianceReport struct {
	AnonymousID     id.AnonymousID         `json:"anonymousId"`
	Codename        string                 `json:"codename"`
	Tier            id.Tier                `json:"tier"`
	From            time.Time              `json:"from"`
	To              time.Time              `json:"to"`
	GeneratedAt     time.Time              `json:"generatedAt"`
	ComplianceScore float64                `json:"complianceScore"`
	TotalEvents     int                    `json:"totalEvents"`
	EventTally      map[audit.Action]int   `json:"eventTally"`
	CasesOpened     int                    `json:"casesOpened"`
	CasesPurged     int                    `json:"casesPurged"`
	RecordsPending  int                    `json:"recordsPending"` // revealed, purge still ahead
	Risk            risk.Assessment        `json:"risk"`
	Violations      []ComplianceViolation  `json:"violations,omitempty"`
}

// ComplianceViolation is one weighted finding in the window.
type ComplianceViolation struct {
	Action audit.Action `json:"action"`
	Count  int          `json:"count"`
	Weight float64      `json:"weight"`
}

// violationWeights scores how badly each event class hurts compliance.
// Retention violations dominate: data that should be gone is not.
var violationWeights = map[audit.Action]float64{
	audit.ActionRetentionViolation: 5,
	audit.ActionAccessDenied:       2,
	audit.ActionConsentTimedOut:    1,
}

// Generator builds compliance reports.
type Generator struct {
	identities *identity.Service
	engine     *reveal.Engine
	auditor    *audit.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Generator)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(identities *identity.Service, engine *reveal.Engine, auditor *audit.Publisher, opts ...Option) (*Generator, error) {
	if identities == nil || engine == nil || auditor == nil {
		return nil, fmt.Errorf("identity service, reveal engine and audit publisher are required")
	}
	g := &Generator{
		identities: identities,
		engine:     engine,
		auditor:    auditor,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate builds the compliance report for one identity over [from, to).
// A zero `to` means now.
func (g *Generator) Generate(ctx context.Context, anonymousID id.AnonymousID, from, to time.Time) (ComplianceReport, error) {
	now := g.now()
	if to.IsZero() {
		to = now
	}
	if !from.Before(to) {
		return ComplianceReport{}, dErrors.New(dErrors.CodeInvalidInput, "report window is empty")
	}

	subject, err := g.identities.Get(ctx, anonymousID)
	if err != nil {
		return ComplianceReport{}, err
	}
	events, err := g.auditor.ListByAnonymousID(ctx, anonymousID, from, to)
	if err != nil {
		return ComplianceReport{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit ledger")
	}
	cases, err := g.engine.ListCases(ctx, anonymousID)
	if err != nil {
		return ComplianceReport{}, err
	}
	activeCases, err := g.engine.ActiveCaseCount(ctx, anonymousID)
	if err != nil {
		return ComplianceReport{}, err
	}

	report := ComplianceReport{
		AnonymousID: anonymousID,
		Codename:    subject.Codename,
		Tier:        subject.Tier,
		From:        from,
		To:          to,
		GeneratedAt: now,
		EventTally:  make(map[audit.Action]int),
		TotalEvents: len(events),
	}
	clearanceGaps := 0
	for _, ev := range events {
		report.EventTally[ev.Action]++
		if ev.Action == audit.ActionAccessDenied {
			clearanceGaps++
		}
	}
	for action, weight := range violationWeights {
		if n := report.EventTally[action]; n > 0 {
			report.Violations = append(report.Violations, ComplianceViolation{Action: action, Count: n, Weight: weight})
		}
	}
	report.ComplianceScore = complianceScore(report.TotalEvents, report.Violations)

	for _, c := range cases {
		if !c.ActivatedAt.Before(from) && c.ActivatedAt.Before(to) {
			report.CasesOpened++
		}
		if c.State == id.CasePurged {
			report.CasesPurged++
			continue
		}
		for _, rec := range c.Records {
			if !rec.Purged() {
				report.RecordsPending++
			}
		}
	}

	report.Risk = risk.Assess(risk.Input{
		AnonymityLevel:   subject.Controls.Level,
		TierMaxLevel:     g.identities.MaxLevel(subject.Tier),
		ActiveCases:      activeCases,
		ClearanceGaps:    clearanceGaps,
		LastKeyRotation:  subject.LastKeyRotation,
		RotationInterval: 30 * 24 * time.Hour,
		Now:              now,
	})

	g.logger.Debug("compliance report generated",
		"anonymous_id", anonymousID, "events", report.TotalEvents, "score", report.ComplianceScore)
	return report, nil
}

// complianceScore maps weighted violations against total activity into
// [0, 100]. An empty window scores a clean 100.
func complianceScore(totalEvents int, violations []ComplianceViolation) float64 {
	if totalEvents == 0 {
		return 100
	}
	weighted := 0.0
	for _, v := range violations {
		weighted += float64(v.Count) * v.Weight
	}
	score := 100 * (1 - weighted/float64(totalEvents))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
