package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors exported by the sync core
type Metrics struct {
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheRefetches   *prometheus.CounterVec
	CacheFetchErrors *prometheus.CounterVec
	CacheEntries     prometheus.Gauge

	ProfileResolutions *prometheus.CounterVec
	ProfileRetries     prometheus.Counter
	EpochBumps         prometheus.Counter
	AuthTransitions    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil registerer leaves them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Subsystem: "querycache",
			Name:      "hits_total",
			Help:      "Cache reads answered from memory",
		}, []string{"prefix"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Subsystem: "querycache",
			Name:      "misses_total",
			Help:      "Cache reads that required a foreground fetch",
		}, []string{"prefix"}),
		CacheRefetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Subsystem: "querycache",
			Name:      "background_refetches_total",
			Help:      "Stale-while-revalidate background fetches",
		}, []string{"prefix"}),
		CacheFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Subsystem: "querycache",
			Name:      "fetch_errors_total",
			Help:      "Fetches that failed after retries",
		}, []string{"prefix"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crewsync",
			Subsystem: "querycache",
			Name:      "entries",
			Help:      "Entries currently held in memory",
		}),
		ProfileResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Subsystem: "auth",
			Name:      "profile_resolutions_total",
			Help:      "Profile resolution outcomes",
		}, []string{"outcome"}),
		ProfileRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewsync",
			Subsystem: "auth",
			Name:      "profile_retries_total",
			Help:      "Background profile retries scheduled",
		}),
		EpochBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewsync",
			Subsystem: "auth",
			Name:      "epoch_bumps_total",
			Help:      "Session epoch increments",
		}),
		AuthTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Subsystem: "auth",
			Name:      "transitions_total",
			Help:      "Published auth snapshots by state",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheHits, m.CacheMisses, m.CacheRefetches, m.CacheFetchErrors, m.CacheEntries,
			m.ProfileResolutions, m.ProfileRetries, m.EpochBumps, m.AuthTransitions,
		)
	}
	return m
}
