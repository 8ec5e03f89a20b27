// Package metrics registers the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notchd_hook_events_total",
		Help: "Hook events accepted by the ingress listener, by kind.",
	}, []string{"kind"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notchd_hook_decode_errors_total",
		Help: "Malformed hook payloads rejected without mutating state.",
	})

	ApprovalsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notchd_approvals_open",
		Help: "Permission requests currently awaiting a decision.",
	})

	ApprovalsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notchd_approvals_resolved_total",
		Help: "Resolved permission requests, by outcome.",
	}, []string{"outcome"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notchd_sessions_active",
		Help: "Sessions currently tracked by the registry.",
	})

	InterruptsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notchd_interrupts_detected_total",
		Help: "Out-of-band interrupts detected by the transcript watcher.",
	})

	SnapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notchd_snapshots_published_total",
		Help: "Session-set snapshots published to subscribers.",
	})
)
