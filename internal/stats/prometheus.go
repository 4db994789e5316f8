package stats

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/metrics"
)

// Prometheus exports page structure and size distributions per site.
type Prometheus struct {
	pageBytes    *prometheus.HistogramVec
	pageElements *prometheus.HistogramVec
	fetchLatency *prometheus.HistogramVec
	integrity    *prometheus.CounterVec
}

// NewPrometheus registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Prometheus{
		pageBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_page_bytes",
			Help:    "Size of successfully fetched pages.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"site"}),
		pageElements: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_page_elements",
			Help:    "Anchors, images and text nodes per page.",
			Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 5000},
		}, []string{"site", "element"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration of successful pages.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"site"}),
		integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_page_integrity_total",
			Help: "Successful pages by reported integrity.",
		}, []string{"integrity"}),
	}
	for _, collector := range []prometheus.Collector{
		s.pageBytes,
		s.pageElements,
		s.fetchLatency,
		s.integrity,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register stats collector: %w", err)
		}
	}
	return s, nil
}

// RecordPage implements crawler.StatsSink.
func (s *Prometheus) RecordPage(_ context.Context, report crawler.PageReport) error {
	site := metrics.SanitizeSite(report.URL)
	s.pageBytes.WithLabelValues(site).Observe(float64(report.Bytes))
	s.pageElements.WithLabelValues(site, "anchors").Observe(float64(report.Page.Anchors))
	s.pageElements.WithLabelValues(site, "images").Observe(float64(report.Page.Images))
	s.pageElements.WithLabelValues(site, "texts").Observe(float64(report.Page.Texts))
	s.fetchLatency.WithLabelValues(site).Observe(report.Elapsed.Seconds())
	s.integrity.WithLabelValues(report.Integrity).Inc()
	return nil
}
