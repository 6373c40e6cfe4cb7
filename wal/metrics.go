package wal

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// segmentMetrics tracks fsync latency, page-flush/completion counters, and a
// couple of WAL-specific counters: cache overflows and corruption detections.
type segmentMetrics struct {
	fsyncDuration    prometheus.Summary
	pageFlushes      prometheus.Counter
	pageCompletions  prometheus.Counter
	cacheOverflows   prometheus.Counter
	corruptionsFound prometheus.Counter
	truncateTotal    prometheus.Counter
	truncateFailures prometheus.Counter
	currentSegment   prometheus.Gauge
	writesFailed     prometheus.Counter
}

func newSegmentMetrics(r prometheus.Registerer, order uint64) *segmentMetrics {
	labels := prometheus.Labels{"segment": strconv.FormatUint(order, 10)}

	m := &segmentMetrics{
		fsyncDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:        "wal_fsync_duration_seconds",
			Help:        "Duration of wal fsync.",
			Objectives:  map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			ConstLabels: labels,
		}),
		pageFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "wal_page_flushes_total",
			Help:        "Total number of page flushes.",
			ConstLabels: labels,
		}),
		pageCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "wal_completed_pages_total",
			Help:        "Total number of completed pages.",
			ConstLabels: labels,
		}),
		cacheOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "wal_cache_overflow_flushes_total",
			Help:        "Total number of synchronous flushes triggered by append-buffer overflow.",
			ConstLabels: labels,
		}),
		corruptionsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "wal_corruptions_total",
			Help:        "Total number of corrupt pages detected while reading.",
			ConstLabels: labels,
		}),
		truncateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "wal_truncations_total",
			Help:        "Total number of segment truncations attempted.",
			ConstLabels: labels,
		}),
		truncateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "wal_truncations_failed_total",
			Help:        "Total number of segment truncations that failed.",
			ConstLabels: labels,
		}),
		currentSegment: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wal_segment_current",
			Help: "Ordinal of the most recently opened segment.",
		}),
		writesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "wal_writes_failed_total",
			Help:        "Total number of page writes that failed.",
			ConstLabels: labels,
		}),
	}

	if r != nil {
		r.MustRegister(
			m.fsyncDuration,
			m.pageFlushes,
			m.pageCompletions,
			m.cacheOverflows,
			m.corruptionsFound,
			m.truncateTotal,
			m.truncateFailures,
			m.currentSegment,
			m.writesFailed,
		)
	}

	m.currentSegment.Set(float64(order))
	return m
}
