// Package metrics defines the Prometheus collectors for the rotation
// scheduler. Exposed on the control-plane API's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed rotation cycles by outcome.
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynamix_cycles_total",
			Help: "Completed rotation cycles by outcome (ok/reset_retry)",
		},
		[]string{"outcome"},
	)

	// CycleDuration tracks wall time of a full cycle in seconds.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dynamix_cycle_duration_seconds",
			Help:    "Rotation cycle duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// PinOpsTotal counts pin/unpin calls by library, operation and status.
	PinOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynamix_pin_operations_total",
			Help: "Pin/unpin operations by library, op and status",
		},
		[]string{"library", "op", "status"},
	)

	// ExclusionResetsTotal counts cooldown-map resets (policy-triggered
	// and manual).
	ExclusionResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynamix_exclusion_resets_total",
			Help: "Cooldown map resets by trigger (policy/manual)",
		},
		[]string{"trigger"},
	)

	// EligibleCollections tracks the last observed eligible-set size per
	// library.
	EligibleCollections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dynamix_eligible_collections",
			Help: "Eligible (pinnable) collections seen in the last cycle",
		},
		[]string{"library"},
	)

	// LibraryErrorsTotal counts libraries skipped due to errors.
	LibraryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynamix_library_errors_total",
			Help: "Per-library failures that caused the library to be skipped",
		},
		[]string{"library"},
	)
)
