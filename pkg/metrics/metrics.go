// Package metrics exposes the Prometheus instrumentation for the POP3
// login-proxy: connect outcomes, active sessions per destination, redirect
// and kick counts, and pump byte totals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poplogin_connects_total",
			Help: "Total number of backend connect attempts by result",
		},
		[]string{"result"}, // success, failure, fast_fail
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poplogin_active_sessions",
			Help: "Current number of detached (pumping) proxy sessions per destination",
		},
		[]string{"dest"},
	)

	ConnectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poplogin_connect_duration_seconds",
			Help:    "Duration of a backend TCP connect attempt, by result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	RedirectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poplogin_redirects_total",
			Help: "Total number of REFERRAL redirects handled, by outcome",
		},
		[]string{"result"}, // followed, loop
	)

	KicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poplogin_kicks_total",
			Help: "Total number of sessions closed via admin kick",
		},
	)

	IdleKillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poplogin_idle_kills_total",
			Help: "Total number of sessions closed by idle shutdown",
		},
	)

	PumpBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poplogin_pump_bytes_total",
			Help: "Total bytes moved by the bidirectional pump",
		},
		[]string{"direction"}, // client_to_server, server_to_client
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poplogin_auth_failures_total",
			Help: "Total number of pre-login failures by FailureType",
		},
		[]string{"type"},
	)
)
