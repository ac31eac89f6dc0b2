package searchindex

import (
	"context"

	"go.uber.org/zap"

	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/segments"
)

// CompactionPolicy decides which segments to merge.
type CompactionPolicy struct {
	// SmallSegmentThreshold: segments with fewer live rows than this are
	// fold-in candidates regardless of delete counts.
	SmallSegmentThreshold uint64

	// MinSegmentsToCompact: never merge fewer than this many segments.
	MinSegmentsToCompact int
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy(smallThreshold uint64) CompactionPolicy {
	return CompactionPolicy{SmallSegmentThreshold: smallThreshold, MinSegmentsToCompact: 2}
}

// choose picks the segments to merge: every segment that is small or
// carries deletes. Fewer than the minimum means no compaction.
func (p *CompactionPolicy) choose(segs []segments.Segment) []segments.Segment {
	var chosen []segments.Segment
	for _, seg := range segs {
		if seg.NumDeleted > 0 || seg.NumAlive() < p.SmallSegmentThreshold {
			chosen = append(chosen, seg)
		}
	}
	if len(chosen) < p.MinSegmentsToCompact {
		return nil
	}
	return chosen
}

// Compactor merges a subset of one index's segments into a single new
// segment, dropping rows marked deleted. It commits through the kind's
// metadata writer, which reconciles against concurrent flushes.
type Compactor struct {
	db     *database.Database
	store  segments.ObjectStore
	t      IndexType
	writer *MetadataWriter
	policy CompactionPolicy
	logger *zap.Logger
}

// NewCompactor assembles a compactor for the kind served by t.
func NewCompactor(db *database.Database, store segments.ObjectStore, t IndexType, writer *MetadataWriter, policy CompactionPolicy, logger *zap.Logger) *Compactor {
	return &Compactor{
		db:     db,
		store:  store,
		t:      t,
		writer: writer,
		policy: policy,
		logger: logger.Named(t.Name() + "_compactor"),
	}
}

// CompactIndex runs one compaction for the index if its segments warrant
// one. It reports whether a compaction committed.
func (c *Compactor) CompactIndex(ctx context.Context, indexID persistence.IndexID) (bool, error) {
	meta := c.db.Registry().Get(indexID)
	if meta == nil || meta.Config.Kind != c.t.Kind() {
		return false, nil
	}
	// Mid-backfill segment lists move under the flusher's feet; leave
	// them alone until the snapshot lands.
	if meta.State.Kind != registry.Backfilled && meta.State.Kind != registry.SnapshottedAt {
		return false, nil
	}
	// Old-format segments may not decode; the flusher's version rebuild
	// replaces them wholesale, so compacting them is both unsafe and
	// pointless.
	if meta.State.Version != segments.FormatVersion {
		return false, nil
	}
	toCompact := c.policy.choose(meta.State.Segments)
	if toCompact == nil {
		return false, nil
	}

	// The document-log position the segment list is consistent with;
	// deletes written by flushes after this must be merged at commit.
	startCompactionTS := meta.State.SnapshotTS

	merged, err := c.merge(ctx, toCompact)
	if err != nil {
		metrics.CompactionsTotal.WithLabelValues(c.t.Name(), "error").Inc()
		return false, err
	}
	if err := c.writer.CommitCompaction(ctx, indexID, startCompactionTS, toCompact, *merged); err != nil {
		metrics.CompactionsTotal.WithLabelValues(c.t.Name(), "error").Inc()
		return false, err
	}
	metrics.CompactionsTotal.WithLabelValues(c.t.Name(), "ok").Inc()
	c.logger.Info("compacted segments",
		zap.String("index", string(indexID)),
		zap.Int("merged", len(toCompact)),
		zap.String("new_segment", string(merged.ID)))
	return true, nil
}

// merge downloads the chosen segments and concatenates their live rows
// into one new segment. Deleted rows are dropped: the merged segment
// starts with an empty deleted bitset.
func (c *Compactor) merge(ctx context.Context, toCompact []segments.Segment) (*segments.Segment, error) {
	builder := newSegmentBuilder()
	segs, err := DownloadSegments(ctx, c.store, toCompact)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		ids, rows, err := LiveRows(ctx, c.store, seg)
		if err != nil {
			return nil, err
		}
		for i := range ids {
			if err := builder.add(ids[i], rows[i]); err != nil {
				return nil, err
			}
		}
	}
	merged, err := builder.build(ctx, c.store)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		// Everything was deleted. An empty segment still needs a
		// descriptor so the compaction can drop its inputs.
		empty := newSegmentBuilder()
		if mergedEmpty, err := empty.buildEmpty(ctx, c.store); err != nil {
			return nil, err
		} else {
			merged = mergedEmpty
		}
	}
	return merged, nil
}
