// Package metrics registers the Prometheus instruments for the game loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RoundsStarted prometheus.Counter
	FlagsMinted   prometheus.Counter

	// Submissions by result: accepted, invalid, self, replay.
	Submissions *prometheus.CounterVec

	// ProbeChecks by status: up, down.
	ProbeChecks *prometheus.CounterVec

	CurrentRound prometheus.Gauge
	TeamsUp      prometheus.Gauge
	Observers    prometheus.Gauge
}

// New creates and registers all game metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		RoundsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "adctf_rounds_started_total",
			Help: "Total number of rounds started since boot",
		}),
		FlagsMinted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "adctf_flags_minted_total",
			Help: "Total flags generated across all rounds",
		}),
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "adctf_flag_submissions_total",
			Help: "Flag submissions by result",
		}, []string{"result"}),
		ProbeChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "adctf_service_probes_total",
			Help: "Service probe results by status",
		}, []string{"status"}),
		CurrentRound: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "adctf_current_round",
			Help: "Round number currently in progress",
		}),
		TeamsUp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "adctf_teams_up",
			Help: "Teams whose service passed the last probe sweep",
		}),
		Observers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "adctf_ws_observers",
			Help: "Live WebSocket observer connections",
		}),
	}
}

// RecordProbeSweep updates probe counters and the up gauge from one sweep.
func (m *Metrics) RecordProbeSweep(status map[int]bool) {
	up := 0
	for _, isUp := range status {
		if isUp {
			m.ProbeChecks.WithLabelValues("up").Inc()
			up++
		} else {
			m.ProbeChecks.WithLabelValues("down").Inc()
		}
	}
	m.TeamsUp.Set(float64(up))
}
