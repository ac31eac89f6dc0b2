package searchindex

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/segments"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
	"github.com/steveyegge/strata/internal/writelog"
)

// MetadataWriter serializes all index-metadata writes for one index
// kind. The kind's flusher and compactor both commit through it, so at
// most one of each can race, and the two merge rules below cover the
// only two races:
//
//   - A flush may commit after a concurrent compaction removed segments
//     the flush had modified. The flush then replays the window's
//     deletes over the segments now on disk before committing.
//   - A compaction may commit after a concurrent flush added deletes to
//     a compacted segment. The compaction then replays the deletes since
//     its start into the merged segment before committing.
type MetadataWriter struct {
	mu     sync.Mutex
	db     *database.Database
	store  segments.ObjectStore
	t      IndexType
	logger *zap.Logger
}

// NewMetadataWriter returns the writer for one index kind.
func NewMetadataWriter(db *database.Database, store segments.ObjectStore, t IndexType, logger *zap.Logger) *MetadataWriter {
	return &MetadataWriter{
		db:     db,
		store:  store,
		t:      t,
		logger: logger.Named(t.Name() + "_metadata_writer"),
	}
}

// CommitFlush merges a flush result with up to one concurrent
// compaction and writes the new metadata row.
func (w *MetadataWriter) CommitFlush(ctx context.Context, job IndexBuild, result *IndexBuildResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if result.Rebuild {
		return w.commitRebuildFlush(ctx, job, result)
	}
	if result.Backfill != nil {
		return w.commitBackfillFlush(ctx, job, result)
	}
	return w.commitSnapshotFlush(ctx, job, result)
}

// commitRebuildFlush replaces the whole segment list with the rebuilt
// one. The rebuild read the table at its snapshot, so the new list is
// complete on its own; whatever a concurrent compaction did to the
// old-format segments is irrelevant because every one of them is being
// discarded.
func (w *MetadataWriter) commitRebuildFlush(ctx context.Context, job IndexBuild, result *IndexBuildResult) error {
	meta := w.db.Registry().Get(job.Meta.ID)
	if meta == nil {
		return sterrors.New(sterrors.KindFatal, "index %s disappeared during rebuild", job.Meta.ID)
	}
	if meta.State.Kind != registry.Backfilled && meta.State.Kind != registry.SnapshottedAt {
		return sterrors.New(sterrors.KindFatal,
			"index %s is %s, cannot commit a version rebuild", meta.ID, meta.State.Kind)
	}
	oldSegments := len(meta.State.Segments)
	meta.State = registry.OnDiskState{
		Kind:       registry.SnapshottedAt,
		SnapshotTS: result.SnapshotTS.TS(),
		Segments:   result.Segments,
		Version:    segments.FormatVersion,
	}
	metrics.SearchMergeCommits.WithLabelValues("flush", "false").Inc()
	w.logger.Info("rebuilt index at current segment format",
		zap.String("index", string(meta.ID)),
		zap.Int("segments_replaced", oldSegments))
	return w.db.CommitIndexMetadata(ctx, meta, w.writeSource())
}

// commitBackfillFlush appends the backfill iteration's new segment and
// either advances the cursor or transitions to Backfilled. Compaction
// never touches a backfilling index's segments mid-backfill, so no merge
// is possible here.
func (w *MetadataWriter) commitBackfillFlush(ctx context.Context, job IndexBuild, result *IndexBuildResult) error {
	meta := w.db.Registry().Get(job.Meta.ID)
	if meta == nil {
		return sterrors.New(sterrors.KindFatal, "index %s disappeared during flush", job.Meta.ID)
	}
	if meta.State.Kind != registry.Backfilling {
		return sterrors.New(sterrors.KindFatal,
			"index %s is %s, cannot commit a backfill flush", meta.ID, meta.State.Kind)
	}

	// Current segments come from the fresh read; the new segment is the
	// only change this flush may contribute.
	newSegments := meta.State.CloneSegments()
	if result.NewSegment != nil {
		newSegments = append(newSegments, *result.NewSegment)
	}

	ts := result.SnapshotTS.TS()
	if result.Backfill.IsBackfillComplete {
		meta.State = registry.OnDiskState{
			Kind:       registry.Backfilled,
			SnapshotTS: ts,
			Segments:   newSegments,
			Version:    segments.FormatVersion,
		}
		if err := w.db.DeleteBackfillProgress(ctx, meta.ID); err != nil {
			return err
		}
		w.logger.Info("backfill complete",
			zap.String("index", string(meta.ID)),
			zap.Int("segments", len(newSegments)),
			zap.Int64("snapshot_ts", int64(ts)))
	} else {
		meta.State.Kind = registry.Backfilling
		meta.State.BackfillSnapshotTS = &ts
		meta.State.Cursor = result.Backfill.NewCursor
		meta.State.Segments = newSegments
		meta.State.Version = segments.FormatVersion
	}
	metrics.SearchMergeCommits.WithLabelValues("flush", "false").Inc()
	return w.db.CommitIndexMetadata(ctx, meta, w.writeSource())
}

// commitSnapshotFlush writes a non-backfill flush. If a concurrent
// compaction removed any segment the flush modified, the flush's deletes
// may have landed on segments that no longer exist; replay the window's
// deletes over the current segment list first.
func (w *MetadataWriter) commitSnapshotFlush(ctx context.Context, job IndexBuild, result *IndexBuildResult) error {
	meta := w.db.Registry().Get(job.Meta.ID)
	if meta == nil {
		return sterrors.New(sterrors.KindFatal, "index %s disappeared during flush", job.Meta.ID)
	}
	currentSegments := meta.State.CloneSegments()
	mergeRequired := isMergeFlushRequired(result, currentSegments)

	newSegments := result.Segments
	if mergeRequired {
		// The segments this flush built against are partly gone. The
		// snapshot timestamp on the current metadata is where those
		// segments were last consistent; replay deletes from there.
		startTS := meta.State.SnapshotTS
		if startTS == 0 {
			return sterrors.New(sterrors.KindFatal,
				"index %s: compaction ran before the index had a snapshot", meta.ID)
		}
		updated, err := w.mergeDeletes(ctx, meta.Tablet, currentSegments, startTS, result.SnapshotTS)
		if err != nil {
			return err
		}
		newSegments = updated
		if result.NewSegment != nil {
			newSegments = append(newSegments, *result.NewSegment)
		}
	}

	meta.State = registry.OnDiskState{
		Kind:       registry.SnapshottedAt,
		SnapshotTS: result.SnapshotTS.TS(),
		Segments:   newSegments,
		Version:    segments.FormatVersion,
	}
	metrics.SearchMergeCommits.WithLabelValues("flush", boolLabel(mergeRequired)).Inc()
	if mergeRequired {
		w.logger.Info("flush merged with concurrent compaction",
			zap.String("index", string(meta.ID)))
	}
	return w.db.CommitIndexMetadata(ctx, meta, w.writeSource())
}

// isMergeFlushRequired reports whether any segment the flush produced,
// other than its newly created one, is absent from the current list.
// Compaction is the only way segments disappear.
func isMergeFlushRequired(result *IndexBuildResult, current []segments.Segment) bool {
	currentIDs := make(map[segments.ID]struct{}, len(current))
	for _, seg := range current {
		currentIDs[seg.ID] = struct{}{}
	}
	for _, seg := range result.Segments {
		if result.NewSegment != nil && seg.ID == result.NewSegment.ID {
			continue
		}
		if _, ok := currentIDs[seg.ID]; !ok {
			return true
		}
	}
	return false
}

// CommitCompaction replaces the compacted segments with the merged one.
// Every compacted segment must still be on disk; only the compactor
// removes segments, so a missing one is an integrity violation. If a
// concurrent flush grew any compacted segment's delete count since the
// compaction started, the new deletes are replayed into the merged
// segment first.
func (w *MetadataWriter) CommitCompaction(ctx context.Context, indexID persistence.IndexID, startCompactionTS value.Timestamp, compacted []segments.Segment, newSegment segments.Segment) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	meta := w.db.Registry().Get(indexID)
	if meta == nil {
		return sterrors.New(sterrors.KindFatal, "index %s disappeared during compaction", indexID)
	}
	currentSegments := meta.State.CloneSegments()

	mergeRequired := false
	for _, original := range compacted {
		current := segments.FindByID(currentSegments, original.ID)
		if current == nil {
			return sterrors.New(sterrors.KindFatal,
				"index %s: segment %s unexpectedly removed during compaction", indexID, original.ID)
		}
		// For a given segment id the delete count only grows; growth
		// since the compaction started means a flush wrote deletes we
		// have not merged.
		if current.NumDeleted != original.NumDeleted {
			mergeRequired = true
		}
	}

	if mergeRequired {
		// The current snapshot timestamp bounds the deletes a flush can
		// have written; it only moves under this writer's lock.
		currentTS := value.NewRepeatableTimestamp(meta.State.SnapshotTS)
		updated, err := w.mergeDeletes(ctx, meta.Tablet, []segments.Segment{newSegment}, startCompactionTS, currentTS)
		if err != nil {
			return err
		}
		newSegment = updated[0]
		// Metadata may have moved while we merged; re-read it.
		meta = w.db.Registry().Get(indexID)
		if meta == nil {
			return sterrors.New(sterrors.KindFatal, "index %s disappeared during compaction merge", indexID)
		}
		currentSegments = meta.State.CloneSegments()
	}

	removed := make(map[segments.ID]struct{}, len(compacted))
	for _, seg := range compacted {
		removed[seg.ID] = struct{}{}
	}
	newList := make([]segments.Segment, 0, len(currentSegments))
	for _, seg := range currentSegments {
		if _, gone := removed[seg.ID]; gone {
			continue
		}
		newList = append(newList, seg)
	}
	newList = append(newList, newSegment)

	meta.State.Segments = newList
	metrics.SearchMergeCommits.WithLabelValues("compaction", boolLabel(mergeRequired)).Inc()
	if mergeRequired {
		w.logger.Info("compaction merged with concurrent flush deletes",
			zap.String("index", string(indexID)))
	}
	return w.db.CommitIndexMetadata(ctx, meta, w.writeSource())
}

// mergeDeletes replays the document log's deletes in (startTS, endTS]
// over the given segments and re-uploads the changed bitsets. A delete
// here is any revision that removes or replaces a document: either way
// the document's old row is stale.
func (w *MetadataWriter) mergeDeletes(ctx context.Context, tablet persistence.TabletID, descs []segments.Segment, startTS value.Timestamp, endTS value.RepeatableTimestamp) ([]segments.Segment, error) {
	segs, err := DownloadSegments(ctx, w.store, descs)
	if err != nil {
		return nil, err
	}
	if endTS.TS() > startTS {
		tsRange, err := value.NewTimestampRange(startTS+1, endTS.TS())
		if err != nil {
			return nil, err
		}
		rr := w.db.SnapshotReader(endTS)
		it := rr.LoadDocumentsInTable(ctx, tablet, tsRange, value.Asc)
		defer it.Close()
		for {
			rev, err := it.Next(ctx)
			if err != nil {
				return nil, err
			}
			if rev == nil {
				break
			}
			if !rev.Deleted && rev.PrevTS == nil {
				// A fresh insert deletes nothing.
				continue
			}
			for _, seg := range segs {
				if _, err := seg.ApplyDelete(rev.ID.ID); err != nil {
					return nil, err
				}
			}
		}
	}
	return UploadChangedSegments(ctx, w.store, segs)
}

func (w *MetadataWriter) writeSource() writelog.WriteSource {
	return writelog.WriteSource("search_index_metadata_writer_" + w.t.Name())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
