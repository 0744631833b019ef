// Package metrics defines the Prometheus collectors recorded by the registry engines.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgserver_uploads_total",
			Help: "Number of published artifacts by ecosystem.",
		},
		[]string{"ecosystem"},
	)
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgserver_downloads_total",
			Help: "Number of served artifacts by ecosystem and source (local or upstream).",
		},
		[]string{"ecosystem", "source"},
	)
	deletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgserver_deletions_total",
			Help: "Number of yanks, version removals and full package deletions.",
		},
		[]string{"ecosystem", "mode"},
	)
	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pkgserver_upstream_errors_total",
			Help: "Number of upstream fallback requests that failed for reasons other than not found.",
		},
		[]string{"ecosystem"},
	)
	upstreamFetchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pkgserver_upstream_fetch_seconds",
			Help:    "Time until the upstream registry answered a fallback request.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"ecosystem"},
	)
)

// Collectors returns every collector defined by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		uploadsTotal,
		downloadsTotal,
		deletionsTotal,
		upstreamErrorsTotal,
		upstreamFetchSeconds,
	}
}

// Register adds the collectors to r. Registering twice on the same registry is not an error.
func Register(r prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func Upload(ecosystem string) {
	uploadsTotal.WithLabelValues(ecosystem).Inc()
}

func Download(ecosystem, source string) {
	downloadsTotal.WithLabelValues(ecosystem, source).Inc()
}

// Deletion records a yank, unyank, version removal ("version") or full deletion ("all").
func Deletion(ecosystem, mode string) {
	deletionsTotal.WithLabelValues(ecosystem, mode).Inc()
}

// Upstream records the latency of a fallback request and counts it as an error when failed is set.
func Upstream(ecosystem string, took time.Duration, failed bool) {
	upstreamFetchSeconds.WithLabelValues(ecosystem).Observe(took.Seconds())
	if failed {
		upstreamErrorsTotal.WithLabelValues(ecosystem).Inc()
	}
}
