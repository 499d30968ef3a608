// Package metrics exposes Prometheus counters for token logins, certificate
// enumeration and revocation checks.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all tokensign metrics.
	Namespace = "tokensign"

	LabelOutcome = "outcome"
	LabelStage   = "stage"
	LabelResult  = "result"

	// Login attempt outcomes
	OutcomeSuccess      = "success"
	OutcomeIncorrectPIN = "incorrect_pin"
	OutcomeLocked       = "locked"
	OutcomeCancelled    = "cancelled"
	OutcomeError        = "error"

	// Enumeration failure stages
	StageLibrary = "library"
	StageSlot    = "slot"
	StageObject  = "object"

	// Revocation check results
	ResultGood    = "good"
	ResultRevoked = "revoked"
	ResultError   = "error"
)

// registry holds every tokensign metric, apart from the process and Go
// runtime collectors of the default registry.
var registry = prometheus.NewRegistry()

var (
	// LoginAttemptsTotal counts individual PIN attempts by outcome.
	LoginAttemptsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "login_attempts_total",
			Help:      "Total number of token PIN attempts by outcome",
		},
		[]string{LabelOutcome},
	)

	// EnumerationFailuresTotal counts libraries, slots and objects skipped
	// during certificate enumeration.
	EnumerationFailuresTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "enumeration_failures_total",
			Help:      "Total number of enumeration failures by stage",
		},
		[]string{LabelStage},
	)

	CertificatesEnumeratedTotal = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "certificates_enumerated_total",
			Help:      "Total number of certificates read from tokens",
		},
	)

	// RevocationChecksTotal counts OCSP checks. Errors are reported as not
	// revoked to the caller but are recorded here under ResultError.
	RevocationChecksTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "revocation_checks_total",
			Help:      "Total number of OCSP revocation checks by result",
		},
		[]string{LabelResult},
	)
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

func RecordLoginAttempt(outcome string) {
	if !enabled.Load() {
		return
	}
	LoginAttemptsTotal.WithLabelValues(outcome).Inc()
}

func RecordEnumerationFailure(stage string) {
	if !enabled.Load() {
		return
	}
	EnumerationFailuresTotal.WithLabelValues(stage).Inc()
}

func RecordCertificatesEnumerated(n int) {
	if !enabled.Load() || n <= 0 {
		return
	}
	CertificatesEnumeratedTotal.Add(float64(n))
}

func RecordRevocationCheck(result string) {
	if !enabled.Load() {
		return
	}
	RevocationChecksTotal.WithLabelValues(result).Inc()
}

// Enable turns metrics collection on.
func Enable() {
	enabled.Store(true)
}

// Disable turns metrics collection off. Counters keep their values.
func Disable() {
	enabled.Store(false)
}

func IsEnabled() bool {
	return enabled.Load()
}

// Registry returns the registry the counters live in.
func Registry() *prometheus.Registry {
	return registry
}
