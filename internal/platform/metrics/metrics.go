package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the disclosure core.
type Metrics struct {
	IdentitiesCreated   prometheus.Counter
	CasesActivated      *prometheus.CounterVec
	RecordsRevealed     *prometheus.CounterVec
	ConsentOutcomes     *prometheus.CounterVec
	Escalations         prometheus.Counter
	OverridesApplied    prometheus.Counter
	RecordsPurged       prometheus.Counter
	RetentionViolations prometheus.Counter
	AccessTokensMinted  prometheus.Counter
	PurgeDuration       prometheus.Histogram
	HTTPDuration        *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		IdentitiesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_identities_created_total",
			Help: "Total number of anonymous identities created",
		}),
		CasesActivated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_reveal_cases_activated_total",
			Help: "Reveal cases activated, by emergency type",
		}, []string{"emergency_type"}),
		RecordsRevealed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_records_revealed_total",
			Help: "Revealed data records created, by reveal level",
		}, []string{"reveal_level"}),
		ConsentOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_consent_outcomes_total",
			Help: "Consent decisions by outcome (given, revoked, timed_out)",
		}, []string{"outcome"}),
		Escalations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_escalations_total",
			Help: "Automatic escalations applied to reveal cases",
		}),
		OverridesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_consent_overrides_total",
			Help: "Consent overrides applied to reveal cases",
		}),
		RecordsPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_records_purged_total",
			Help: "Revealed data records cryptographically wiped",
		}),
		RetentionViolations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_retention_violations_total",
			Help: "Purges that exhausted their retry budget",
		}),
		AccessTokensMinted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "veil_access_tokens_minted_total",
			Help: "Scoped access tokens minted for response teams",
		}),
		PurgeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "veil_purge_duration_seconds",
			Help:    "Latency of purge task execution",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veil_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}
