package halfcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Responses tracks served responses by cache result
	Responses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "halfcache_responses_total",
			Help: "Total number of responses served by the cache",
		},
		[]string{"result"}, // "hit", "miss", "bypass", "error"
	)

	// CorruptEntries tracks entries dropped because skeleton and regions disagreed
	CorruptEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "halfcache_corrupt_entries_total",
			Help: "Total number of corrupt cache entries invalidated on read",
		},
	)

	// MalformedDocuments tracks renders served uncached because of unbalanced markers
	MalformedDocuments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "halfcache_malformed_documents_total",
			Help: "Total number of rendered documents with malformed nocache markers",
		},
	)

	// ReplacerFailures tracks failed replacer passes
	ReplacerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "halfcache_replacer_failures_total",
			Help: "Total number of failed replacer passes",
		},
		[]string{"phase"}, // "write", "read"
	)

	// RenderDuration tracks time spent rendering pages and fragments
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "halfcache_render_duration_seconds",
			Help:    "Time spent rendering full pages and dynamic regions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"}, // "full", "regions"
	)
)
