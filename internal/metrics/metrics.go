// Package metrics provides Prometheus instrumentation for the LiberTalk
// matchmaking core: queue composition gauges, match outcome counters, and
// latency histograms for the search-to-chat pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WaitingTotal tracks the current number of searching participants.
	WaitingTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "libertalk_waiting_total",
		Help: "Current number of participants in the waiting queue",
	})

	// ActiveChats tracks the current number of active chat sessions.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "libertalk_active_chats",
		Help: "Current number of active chat sessions",
	})

	// MatchesTotal counts claimed pairs, labeled by the tier that produced
	// them ("proximity", "continent+language", ..., "desperate").
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libertalk_matches_total",
		Help: "Total number of pairs claimed",
	}, []string{"tier"})

	// ClaimConflictsTotal counts searches in which every claim lost its
	// race and the caller was told to back off.
	ClaimConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "libertalk_claim_conflicts_total",
		Help: "Total number of searches that lost every pair-claim race",
	})

	// ConfirmationsTotal counts attempt resolutions, labeled by outcome:
	// "confirmed", "rejected", or "timeout".
	ConfirmationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libertalk_confirmations_total",
		Help: "Total number of match attempt resolutions",
	}, []string{"outcome"})

	// MatchWaitSeconds records how long a participant waited between
	// joining and being claimed into a pair.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "libertalk_match_wait_seconds",
		Help:    "Time from join to pair claim",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	// ReapedTotal counts Reaper evictions, labeled by kind: "presence",
	// "attempt", or "session".
	ReapedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libertalk_reaped_total",
		Help: "Total number of records swept by the reaper",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		WaitingTotal,
		ActiveChats,
		MatchesTotal,
		ClaimConflictsTotal,
		ConfirmationsTotal,
		MatchWaitSeconds,
		ReapedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
