// Package metrics registers the scheduler's Prometheus collectors. It
// never opens an HTTP listener — serving /metrics is the excluded
// control surface's job (SPEC_FULL.md §4.9); this package only gives the
// rest of the repo somewhere to record counts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the scheduler, refresh task, and save
// scheduler increment. Construct with New and register it into whatever
// prometheus.Registerer the embedding application owns (or leave
// unregistered in tests).
type Registry struct {
	TotalAvailable   prometheus.Gauge
	ChannelCached    *prometheus.GaugeVec
	ChannelTotal     *prometheus.GaugeVec
	PicksTotal       *prometheus.CounterVec
	SavesTotal       prometheus.Counter
	RefreshDuration  prometheus.Histogram
	DownloadComplete prometheus.Counter
	LoadFailed       prometheus.Counter
}

// New constructs a Registry with unregistered collectors; call Register
// to attach them to a prometheus.Registerer.
func New() *Registry {
	return &Registry{
		TotalAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p3a",
			Name:      "total_available",
			Help:      "Total artworks currently available for playback across all active channels.",
		}),
		ChannelCached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "p3a",
			Name:      "channel_cached_total",
			Help:      "Number of locally available entries (LAi, or Ci for storage-card) per channel.",
		}, []string{"channel"}),
		ChannelTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "p3a",
			Name:      "channel_total",
			Help:      "Total known entries (Ci) per channel.",
		}, []string{"channel"}),
		PicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p3a",
			Name:      "picks_total",
			Help:      "Picks served, by channel and pick mode.",
		}, []string{"channel", "pick_mode"}),
		SavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p3a",
			Name:      "saves_total",
			Help:      "Channel cache files written.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "p3a",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of one channel's refresh dispatch.",
			Buckets:   prometheus.DefBuckets,
		}),
		DownloadComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p3a",
			Name:      "download_complete_total",
			Help:      "OnDownloadComplete calls processed.",
		}),
		LoadFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p3a",
			Name:      "load_failed_total",
			Help:      "OnLoadFailed calls processed.",
		}),
	}
}

// Register attaches every collector to reg. Safe to call with a fresh
// prometheus.NewRegistry() in tests to avoid the global default registry's
// process-wide collector collisions across parallel test packages.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.TotalAvailable, r.ChannelCached, r.ChannelTotal, r.PicksTotal,
		r.SavesTotal, r.RefreshDuration, r.DownloadComplete, r.LoadFailed,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
