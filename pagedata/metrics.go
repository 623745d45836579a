package pagedata

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/qc-copilot/models"
)

// Metrics holds the collectors for review page fetches and for the releases
// read from them. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Fetches counts fetch outcomes: started, completed or an error category.
	Fetches      *prometheus.CounterVec
	FetchLatency prometheus.Histogram
	Retries      prometheus.Counter

	Releases prometheus.Counter
	// Tracks counts parsed track rows by whether they carry an audio alert.
	Tracks   *prometheus.CounterVec
	Strikes  prometheus.Gauge
	Rejected prometheus.Gauge
}

// NewMetrics registers the collectors on a registry of their own so they can
// be gathered next to the orchestrator's.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qc_review_fetches_total",
			Help: "Review page fetches by outcome.",
		}, []string{"outcome"}),
		FetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qc_review_fetch_seconds",
			Help:    "Time from request to response for a review page.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qc_review_fetch_retries_total",
			Help: "Review page fetches scheduled again after a transient error.",
		}),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qc_review_releases_parsed_total",
			Help: "Releases read from fetched review pages.",
		}),
		Tracks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qc_review_tracks_parsed_total",
			Help: "Track rows read from review pages, split by audio alert.",
		}, []string{"alert"}),
		Strikes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qc_review_release_strikes",
			Help: "Strikes on the last release read.",
		}),
		Rejected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qc_review_release_previously_rejected",
			Help: "1 when the last release read was rejected before.",
		}),
	}
	m.Registry.MustRegister(m.Fetches, m.FetchLatency, m.Retries, m.Releases, m.Tracks, m.Strikes, m.Rejected)
	return m
}

func (m *Metrics) startFetch() {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues("started").Inc()
}

func (m *Metrics) endFetch(outcome string) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchLatency.Observe(d.Seconds())
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

// ObserveRelease records what a parsed review page holds.
func (m *Metrics) ObserveRelease(release *models.ReleaseData) {
	if m == nil || release == nil {
		return
	}
	m.Releases.Inc()
	alerts := 0
	for _, t := range release.Tracks {
		if t.Ref.HasAlert {
			alerts++
		}
	}
	m.Tracks.WithLabelValues("yes").Add(float64(alerts))
	m.Tracks.WithLabelValues("no").Add(float64(len(release.Tracks) - alerts))
	m.Strikes.Set(float64(release.Strikes))
	if release.PreviouslyRejected {
		m.Rejected.Set(1)
	} else {
		m.Rejected.Set(0)
	}
}
