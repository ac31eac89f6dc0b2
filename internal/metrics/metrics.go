// Package metrics defines the prometheus instruments the indexing
// subsystem reports. All collectors register against the default
// registry; the serve command exposes them on the admin listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackfillEntriesWritten counts database index entries written by
	// backfills, labeled by direction (snapshot, forward, backward).
	BackfillEntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "dbindex",
		Name:      "backfill_entries_written_total",
		Help:      "Database index entries written by backfill passes.",
	}, []string{"direction"})

	// BackfillDuration observes the wall time of whole tablet backfills.
	BackfillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "dbindex",
		Name:      "tablet_backfill_seconds",
		Help:      "Wall time of tablet index backfills.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	// IndexesToBackfill gauges the queue depth of the database index
	// worker.
	IndexesToBackfill = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "dbindex",
		Name:      "indexes_to_backfill",
		Help:      "Database indexes currently awaiting backfill.",
	})

	// SearchBuildDuration times one flusher build, labeled by index
	// kind.
	SearchBuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "search",
		Name:      "build_seconds",
		Help:      "Wall time of one search index build.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"kind"})

	// DocumentsPerNewSegment observes rows written into new segments.
	DocumentsPerNewSegment = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "search",
		Name:      "documents_per_new_segment",
		Help:      "Documents written into each newly built segment.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"kind"})

	// DocumentsPerSegment observes total rows per live segment at
	// commit time.
	DocumentsPerSegment = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "search",
		Name:      "documents_per_segment",
		Help:      "Total documents per segment at flush commit.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"kind"})

	// NonDeletedDocumentsPerSegment observes live rows per segment at
	// commit time.
	NonDeletedDocumentsPerSegment = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "search",
		Name:      "non_deleted_documents_per_segment",
		Help:      "Live documents per segment at flush commit.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"kind"})

	// SearchMergeCommits counts metadata commits, labeled by entry point
	// (flush, compaction) and whether a delete merge was required.
	SearchMergeCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "search",
		Name:      "merge_commits_total",
		Help:      "Search index metadata commits by entry point and merge requirement.",
	}, []string{"entry", "merge_required"})

	// CompactionsTotal counts compactions, labeled by kind and outcome.
	CompactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "search",
		Name:      "compactions_total",
		Help:      "Segment compactions by index kind and outcome.",
	}, []string{"kind", "outcome"})

	// WriteLogSizeBytes gauges the write log's size estimate.
	WriteLogSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "writelog",
		Name:      "size_bytes",
		Help:      "Estimated size of the in-memory write log.",
	})

	// SchemaDocumentsValidated counts documents the schema worker has
	// checked.
	SchemaDocumentsValidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "schema",
		Name:      "documents_validated_total",
		Help:      "Documents validated against pending schemas.",
	})

	// WorkerFailures counts worker loop failures, labeled by worker.
	WorkerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "worker",
		Name:      "failures_total",
		Help:      "Worker loop iterations that ended in an error.",
	}, []string{"worker"})

	// CacheHits and CacheMisses count async LRU cache outcomes.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Async cache hits.",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Async cache misses.",
	}, []string{"cache"})
)
