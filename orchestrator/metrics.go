package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for analysis runs.
type Metrics struct {
	Registry        *prometheus.Registry
	RunsTotal       *prometheus.CounterVec
	TracksTotal     *prometheus.CounterVec
	TrackDuration   prometheus.Histogram
	MatchesTotal    prometheus.Counter
	ForcedCloses    prometheus.Counter
	CleanupRemovals prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qc_analysis_runs_total",
			Help: "Analysis runs by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	tracks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qc_analysis_tracks_total",
			Help: "Tracks processed by outcome.",
		},
		[]string{"outcome"},
	)
	duration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qc_analysis_track_duration_seconds",
			Help:    "Time spent on one track's open, extract and close cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)
	matches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qc_analysis_matches_total",
			Help: "Audio match results extracted.",
		},
	)
	forced := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qc_modal_forced_closures_total",
			Help: "Modals that had to be force-closed.",
		},
	)
	cleanup := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qc_cleanup_removed_modals_total",
			Help: "Leftover audio modals removed by post-run cleanup.",
		},
	)

	registry.MustRegister(runs, tracks, duration, matches, forced, cleanup)

	return &Metrics{
		Registry:        registry,
		RunsTotal:       runs,
		TracksTotal:     tracks,
		TrackDuration:   duration,
		MatchesTotal:    matches,
		ForcedCloses:    forced,
		CleanupRemovals: cleanup,
	}
}

// IncRun counts a finished run.
func (m *Metrics) IncRun(mode, outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(mode, outcome).Inc()
}

// IncTrack counts a processed track.
func (m *Metrics) IncTrack(outcome string) {
	if m == nil {
		return
	}
	m.TracksTotal.WithLabelValues(outcome).Inc()
}

// ObserveTrack records a track cycle duration.
func (m *Metrics) ObserveTrack(d time.Duration) {
	if m == nil {
		return
	}
	m.TrackDuration.Observe(d.Seconds())
}

// AddMatches adds extracted results.
func (m *Metrics) AddMatches(n int) {
	if m == nil {
		return
	}
	m.MatchesTotal.Add(float64(n))
}

// IncForcedClose counts a forced modal closure.
func (m *Metrics) IncForcedClose() {
	if m == nil {
		return
	}
	m.ForcedCloses.Inc()
}

// AddCleanupRemovals counts modals removed by the cleanup pass.
func (m *Metrics) AddCleanupRemovals(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupRemovals.Add(float64(n))
}
