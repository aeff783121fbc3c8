package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry               *prometheus.Registry
	RequestsTotal          *prometheus.CounterVec
	RequestDuration        prometheus.Histogram
	ItemsExtractedTotal    prometheus.Counter
	ItemsSkippedTotal      *prometheus.CounterVec
	RetriesTotal           prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec
	PagesFailedTotal       prometheus.Counter
	CategoriesSkippedTotal prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_requests_total",
			Help: "Total HTTP requests issued by the crawler.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_request_duration_seconds",
			Help:    "HTTP request latency for crawler requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	itemsExtracted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_items_extracted_total",
			Help: "Total number of records sent to the pipeline.",
		},
	)
	itemsSkipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_items_skipped_total",
			Help: "Total number of items skipped by reason.",
		},
		[]string{"reason"},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Total number of crawler errors by type.",
		},
		[]string{"error_type"},
	)
	pagesFailed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_pages_failed_total",
			Help: "Total number of catalog pages abandoned after retries.",
		},
	)
	categoriesSkipped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_categories_skipped_total",
			Help: "Total number of categories skipped because their first page failed.",
		},
	)

	registry.MustRegister(requests, requestDuration, itemsExtracted, itemsSkipped, retries, errorsTotal, pagesFailed, categoriesSkipped)

	return &Metrics{
		Registry:               registry,
		RequestsTotal:          requests,
		RequestDuration:        requestDuration,
		ItemsExtractedTotal:    itemsExtracted,
		ItemsSkippedTotal:      itemsSkipped,
		RetriesTotal:           retries,
		ErrorsTotal:            errorsTotal,
		PagesFailedTotal:       pagesFailed,
		CategoriesSkippedTotal: categoriesSkipped,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncItems increments the extracted items counter.
func (m *Metrics) IncItems() {
	if m == nil {
		return
	}
	m.ItemsExtractedTotal.Inc()
}

// IncItemSkipped increments the skipped items counter for a reason.
func (m *Metrics) IncItemSkipped(reason string) {
	if m == nil {
		return
	}
	m.ItemsSkippedTotal.WithLabelValues(reason).Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncPageFailed increments the failed pages counter.
func (m *Metrics) IncPageFailed() {
	if m == nil {
		return
	}
	m.PagesFailedTotal.Inc()
}

// IncCategorySkipped increments the skipped categories counter.
func (m *Metrics) IncCategorySkipped() {
	if m == nil {
		return
	}
	m.CategoriesSkippedTotal.Inc()
}
