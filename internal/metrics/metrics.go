// Package metrics exposes Prometheus instrumentation for the payment
// subsystem. All collectors are registered on the default registry and
// served from the gateway's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal counts chain verification attempts by network and
	// outcome (verified, failed, retryable, error)
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_verifications_total",
		Help: "Chain verification attempts by network and outcome.",
	}, []string{"network", "outcome"})

	// SettlementsTotal counts committed settlements by network
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_settlements_total",
		Help: "Committed crypto settlements by network.",
	}, []string{"network"})

	// CreditsGrantedTotal counts credits granted through crypto settlements
	CreditsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crypto_credits_granted_total",
		Help: "Total credits granted through crypto settlements.",
	})

	// PaymentsExpiredTotal counts payment requests expired by the sweeper
	PaymentsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crypto_payments_expired_total",
		Help: "Payment requests expired before a transaction was submitted.",
	})

	// RateLookupsTotal counts rate cache lookups by asset and source
	// (cache, fetch, fallback, stale, miss)
	RateLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_rate_lookups_total",
		Help: "Exchange rate lookups by asset and source.",
	}, []string{"asset", "source"})

	// VerificationDuration observes end-to-end verification latency by network
	VerificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crypto_verification_duration_seconds",
		Help:    "End-to-end chain verification latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"network"})
)
