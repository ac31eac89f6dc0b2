package searchindex

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/segments"
	"github.com/steveyegge/strata/internal/value"
	"github.com/steveyegge/strata/internal/writelog"
)

// BuildReason says why an index was chosen for a build.
type BuildReason int

const (
	// ReasonBackfilling: the index is still in its initial build.
	ReasonBackfilling BuildReason = iota
	// ReasonVersionMismatch: the segments are in an old format.
	ReasonVersionMismatch
	// ReasonTooLarge: the segment sizes passed the soft limit.
	ReasonTooLarge
	// ReasonTooOld: the snapshot aged past the checkpoint limit.
	ReasonTooOld
)

func (r BuildReason) String() string {
	switch r {
	case ReasonBackfilling:
		return "backfilling"
	case ReasonVersionMismatch:
		return "version_mismatch"
	case ReasonTooLarge:
		return "too_large"
	case ReasonTooOld:
		return "too_old"
	default:
		return "unknown"
	}
}

// IndexBuild is one flush job.
type IndexBuild struct {
	Meta   *registry.IndexMeta
	Reason BuildReason
}

// BackfillResult reports an incremental backfill iteration's outcome.
type BackfillResult struct {
	NewCursor          string
	IsBackfillComplete bool
}

// MultiSegmentBuildResult is what one build produced: at most one new
// segment, the previous segments it touched, and backfill progress when
// the index is still backfilling.
type MultiSegmentBuildResult struct {
	NewSegment      *segments.Segment
	UpdatedPrevious []segments.Segment
	Backfill        *BackfillResult
}

// IndexBuildResult is the flush output handed to the metadata writer.
type IndexBuildResult struct {
	SnapshotTS value.RepeatableTimestamp
	Segments   []segments.Segment
	NewSegment *segments.Segment
	Backfill   *BackfillResult

	// Rebuild marks a version-mismatch rebuild: Segments replaces the
	// index's whole segment list, discarding every old-format segment.
	Rebuild bool

	// NoChanges marks a partial build that found nothing in its window:
	// no new segment and no touched bitsets. Such a build fast-forwards
	// the index instead of committing metadata.
	NoChanges bool
}

// Limits are the flusher's build thresholds.
type Limits struct {
	// IndexSizeSoftLimit makes an index urgent to flush once its
	// segment sizes pass it.
	IndexSizeSoftLimit int

	// IncrementalMultipartThresholdBytes caps one incremental backfill
	// segment.
	IncrementalMultipartThresholdBytes int

	// MaxCheckpointAge makes a non-empty index due once its snapshot is
	// older than this.
	MaxCheckpointAge time.Duration
}

// Flusher folds new writes into fresh segments for one index kind. One
// flusher instance runs per kind; it shares the metadata writer with the
// kind's compactor.
type Flusher struct {
	db     *database.Database
	store  segments.ObjectStore
	t      IndexType
	writer *MetadataWriter
	limits Limits
	logger *zap.Logger

	// rowLimiter bounds document reads per second across this kind's
	// builds, charged per chunk by the table iterator.
	rowLimiter *rate.Limiter
}

// NewFlusher assembles a flusher for the kind served by t.
func NewFlusher(db *database.Database, store segments.ObjectStore, t IndexType, writer *MetadataWriter, limits Limits, logger *zap.Logger) *Flusher {
	cfg := db.Config()
	return &Flusher{
		db:         db,
		store:      store,
		t:          t,
		writer:     writer,
		limits:     limits,
		logger:     logger.Named(t.Name() + "_flusher"),
		rowLimiter: rate.NewLimiter(rate.Limit(cfg.EntriesPerSecond()), cfg.ChunkSize),
	}
}

// Step runs one flusher iteration: select the indexes that need work and
// build each. It returns how many documents each build indexed and a
// token for subscribing to catalog changes.
func (f *Flusher) Step(ctx context.Context) (map[persistence.IndexID]uint64, *writelog.Token, error) {
	built := make(map[persistence.IndexID]uint64)
	jobs, token, err := f.needsBuild(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(jobs) > 0 {
		f.logger.Info("indexes to build", zap.Int("count", len(jobs)))
	}
	for _, job := range jobs {
		n, err := f.BuildOne(ctx, job)
		if err != nil {
			return nil, nil, err
		}
		built[job.Meta.ID] = n
	}
	return built, token, nil
}

// needsBuild selects indexes of this kind that require a build, most
// urgent reason first per index: a backfilling or version-mismatched
// index always builds; otherwise TooLarge beats TooOld, and TooOld
// requires a non-empty index.
func (f *Flusher) needsBuild(ctx context.Context) ([]IndexBuild, *writelog.Token, error) {
	tx, err := f.db.BeginSystem(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.Scan(ctx, database.TabletIndexes); err != nil {
		return nil, nil, err
	}
	token := tx.IntoToken()
	stepTS := tx.BeginTimestamp()

	var jobs []IndexBuild
	for _, meta := range f.db.Registry().AllIndexes() {
		if meta.Config.Kind != f.t.Kind() {
			continue
		}
		var reason BuildReason
		switch meta.State.Kind {
		case registry.Backfilling:
			reason = ReasonBackfilling
		case registry.Backfilled, registry.SnapshottedAt:
			if meta.State.Version != segments.FormatVersion {
				reason = ReasonVersionMismatch
				break
			}
			ts, err := f.db.FastForwardTS(ctx, meta.ID, meta.State.SnapshotTS)
			if err != nil {
				return nil, nil, err
			}
			indexSize := segments.TotalSize(meta.State.Segments)
			indexAge := time.Duration(int64(stepTS.TS()) - int64(ts))
			tooOld := indexAge >= f.limits.MaxCheckpointAge && indexSize > 0
			tooLarge := indexSize > uint64(f.limits.IndexSizeSoftLimit)
			// Order matters: too large is more urgent than too old.
			switch {
			case tooLarge:
				reason = ReasonTooLarge
			case tooOld:
				f.logger.Info("non-empty index is too old",
					zap.String("index", string(meta.ID)),
					zap.Duration("age", indexAge),
					zap.Uint64("size", indexSize))
				reason = ReasonTooOld
			default:
				continue
			}
		default:
			continue
		}
		f.logger.Info("queueing index for build",
			zap.String("index", string(meta.ID)),
			zap.String("reason", reason.String()))
		jobs = append(jobs, IndexBuild{Meta: meta, Reason: reason})
	}
	return jobs, token, nil
}

// BuildOne builds and commits one index. It returns the number of
// documents written into the new segment.
func (f *Flusher) BuildOne(ctx context.Context, job IndexBuild) (uint64, error) {
	start := time.Now()
	defer func() {
		metrics.SearchBuildDuration.WithLabelValues(f.t.Name()).Observe(time.Since(start).Seconds())
	}()

	result, err := f.buildMultipartSegment(ctx, job)
	if err != nil {
		return 0, err
	}
	if result.NoChanges {
		// Nothing moved in the window. Advance the fast-forward mark so
		// the index does not look old forever, and skip the metadata
		// commit entirely.
		return 0, f.db.RecordFastForwardTS(ctx, job.Meta.ID, result.SnapshotTS.TS())
	}
	if err := f.writer.CommitFlush(ctx, job, result); err != nil {
		return 0, err
	}

	var newDocs uint64
	if result.NewSegment != nil {
		newDocs = result.NewSegment.NumIndexed
		metrics.DocumentsPerNewSegment.WithLabelValues(f.t.Name()).Observe(float64(newDocs))
	}
	for i := range result.Segments {
		seg := &result.Segments[i]
		metrics.DocumentsPerSegment.WithLabelValues(f.t.Name()).Observe(float64(seg.NumIndexed))
		metrics.NonDeletedDocumentsPerSegment.WithLabelValues(f.t.Name()).Observe(float64(seg.NumAlive()))
	}
	return newDocs, nil
}

// buildMultipartSegment reads either the document log (partial) or the
// table snapshot (incremental backfill, version-mismatch rebuild) and
// produces the build result.
func (f *Flusher) buildMultipartSegment(ctx context.Context, job IndexBuild) (*IndexBuildResult, error) {
	meta := job.Meta
	if job.Reason == ReasonVersionMismatch {
		// Old-format segments may no longer even decode; the rebuild
		// reads the table, not the segments, and replaces the whole
		// list.
		return f.buildRebuild(ctx, meta)
	}
	switch meta.State.Kind {
	case registry.Backfilling:
		snapshotTS, err := f.resolveBackfillSnapshot(ctx, meta)
		if err != nil {
			return nil, err
		}
		build, err := f.buildIncremental(ctx, meta, snapshotTS)
		if err != nil {
			return nil, err
		}
		return f.assemble(snapshotTS, meta.State.CloneSegments(), build), nil

	case registry.Backfilled, registry.SnapshottedAt:
		newTS := f.db.LatestTS()
		lastTS, err := f.db.FastForwardTS(ctx, meta.ID, meta.State.SnapshotTS)
		if err != nil {
			return nil, err
		}
		build, err := f.buildPartial(ctx, meta, lastTS, newTS)
		if err != nil {
			return nil, err
		}
		return f.assemble(newTS, meta.State.CloneSegments(), build), nil

	default:
		return nil, errors.Errorf("index %s in state %s cannot build", meta.ID, meta.State.Kind)
	}
}

// assemble folds the build output into the result the metadata writer
// consumes: updated previous segments plus the new one.
func (f *Flusher) assemble(snapshotTS value.RepeatableTimestamp, previous []segments.Segment, build *MultiSegmentBuildResult) *IndexBuildResult {
	// Replace the previous descriptors the build touched.
	byID := make(map[segments.ID]segments.Segment, len(build.UpdatedPrevious))
	for _, seg := range build.UpdatedPrevious {
		byID[seg.ID] = seg
	}
	out := make([]segments.Segment, 0, len(previous)+1)
	for _, seg := range previous {
		if updated, ok := byID[seg.ID]; ok {
			out = append(out, updated)
			continue
		}
		out = append(out, seg)
	}
	if build.NewSegment != nil {
		out = append(out, *build.NewSegment)
	}
	return &IndexBuildResult{
		SnapshotTS: snapshotTS,
		Segments:   out,
		NewSegment: build.NewSegment,
		Backfill:   build.Backfill,
		NoChanges:  build.Backfill == nil && build.NewSegment == nil && len(build.UpdatedPrevious) == 0,
	}
}

// resolveBackfillSnapshot returns the index's backfill snapshot, fixing
// one at the current timestamp (and initializing progress) when this is
// the first iteration.
func (f *Flusher) resolveBackfillSnapshot(ctx context.Context, meta *registry.IndexMeta) (value.RepeatableTimestamp, error) {
	latest := f.db.LatestTS()
	if meta.State.BackfillSnapshotTS != nil {
		return latest.PriorTS(*meta.State.BackfillSnapshotTS)
	}
	total, err := f.db.Reader().DocumentCount(ctx, meta.Tablet)
	if err != nil {
		return value.RepeatableTimestamp{}, err
	}
	totalDocs := uint64(total)
	if err := f.db.UpdateBackfillProgress(ctx, database.BackfillProgress{
		IndexID:    meta.ID,
		Tablet:     meta.Tablet,
		TotalDocs:  &totalDocs,
		SnapshotTS: int64(latest.TS()),
	}); err != nil {
		return value.RepeatableTimestamp{}, err
	}
	return latest, nil
}

// buildRebuild scans the whole table at a fresh snapshot into one new
// segment, to migrate an index whose segments were written at an old
// format version. The old segments are never downloaded: they may be
// undecodable, and everything they hold is reconstructed from the
// table.
func (f *Flusher) buildRebuild(ctx context.Context, meta *registry.IndexMeta) (*IndexBuildResult, error) {
	newTS := f.db.LatestTS()
	builder := newSegmentBuilder()
	iter := f.db.TableIterator(newTS, f.db.Config().ChunkSize).WithRateLimiter(f.rowLimiter)
	err := iter.Each(ctx, meta.Tablet, "", func(doc persistence.LatestDocument) error {
		row, err := f.t.EncodeRow(meta, doc.Value)
		if err != nil {
			return err
		}
		if row == nil {
			return nil
		}
		return builder.add(doc.ID.ID, row)
	})
	if err != nil {
		return nil, err
	}
	newSegment, err := builder.build(ctx, f.store)
	if err != nil {
		return nil, err
	}
	result := &IndexBuildResult{SnapshotTS: newTS, NewSegment: newSegment, Rebuild: true}
	if newSegment != nil {
		result.Segments = []segments.Segment{*newSegment}
	}
	return result, nil
}

// buildIncremental streams the table at the backfill snapshot from the
// cursor, accumulating one segment until the multipart threshold. The
// backfill is complete only when the scan ends without another document
// after the threshold: if the size limit lands exactly on the last
// document, the pass that observes no successor finishes the backfill.
func (f *Flusher) buildIncremental(ctx context.Context, meta *registry.IndexMeta, snapshotTS value.RepeatableTimestamp) (*MultiSegmentBuildResult, error) {
	builder := newSegmentBuilder()
	iter := f.db.TableIterator(snapshotTS, f.db.Config().ChunkSize).WithRateLimiter(f.rowLimiter)

	cursor := meta.State.Cursor
	newCursor := cursor
	sizeExceeded := false
	complete := true
	var estimated uint64

scan:
	for {
		chunk, err := iter.NextChunk(ctx, meta.Tablet, cursor)
		if err != nil {
			return nil, err
		}
		for _, doc := range chunk.Docs {
			if sizeExceeded {
				complete = false
				break scan
			}
			row, err := f.t.EncodeRow(meta, doc.Value)
			if err != nil {
				return nil, err
			}
			if row != nil {
				if err := builder.add(doc.ID.ID, row); err != nil {
					return nil, err
				}
			}
			newCursor = doc.ID.ID
			estimated += f.t.EstimateDocumentSize(meta, doc.Value)
			if estimated >= uint64(f.limits.IncrementalMultipartThresholdBytes) {
				sizeExceeded = true
			}
		}
		if chunk.Done {
			break
		}
		cursor = chunk.Cursor
	}

	newSegment, err := builder.build(ctx, f.store)
	if err != nil {
		return nil, err
	}
	if newSegment != nil {
		if err := f.db.UpdateBackfillProgress(ctx, database.BackfillProgress{
			IndexID:        meta.ID,
			Tablet:         meta.Tablet,
			NumDocsIndexed: newSegment.NumIndexed,
			Cursor:         newCursor,
			SnapshotTS:     int64(snapshotTS.TS()),
		}); err != nil {
			return nil, err
		}
	}
	return &MultiSegmentBuildResult{
		NewSegment: newSegment,
		Backfill:   &BackfillResult{NewCursor: newCursor, IsBackfillComplete: complete},
	}, nil
}

// buildPartial reads the document log in (lastTS, newTS] and produces
// one segment of the window's surviving writes, plus deletes applied to
// the previous segments for documents the window replaced or removed.
func (f *Flusher) buildPartial(ctx context.Context, meta *registry.IndexMeta, lastTS value.Timestamp, newTS value.RepeatableTimestamp) (*MultiSegmentBuildResult, error) {
	if newTS.TS() <= lastTS {
		// Nothing new; still a valid (empty) build.
		return &MultiSegmentBuildResult{}, nil
	}
	tsRange, err := value.NewTimestampRange(lastTS+1, newTS.TS())
	if err != nil {
		return nil, err
	}
	rr := f.db.SnapshotReader(newTS)
	it := rr.LoadDocumentsInTable(ctx, meta.Tablet, tsRange, f.t.PartialOrder())
	defer it.Close()

	// Final outcome per document in the window; ascending order makes
	// the last revision win.
	type outcome struct {
		live bool
		doc  value.Value
	}
	outcomes := make(map[string]outcome)
	var order []string
	for {
		rev, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if rev == nil {
			break
		}
		if _, seen := outcomes[rev.ID.ID]; !seen {
			order = append(order, rev.ID.ID)
		}
		outcomes[rev.ID.ID] = outcome{live: !rev.Deleted, doc: rev.Value}
	}
	if len(outcomes) == 0 {
		return &MultiSegmentBuildResult{}, nil
	}

	previous, err := DownloadSegments(ctx, f.store, meta.State.Segments)
	if err != nil {
		return nil, err
	}

	builder := newSegmentBuilder()
	for _, id := range order {
		oc := outcomes[id]
		// Whatever the outcome, the document's old row in a previous
		// segment is now stale.
		for _, seg := range previous {
			if _, err := seg.ApplyDelete(id); err != nil {
				return nil, err
			}
		}
		if !oc.live {
			continue
		}
		row, err := f.t.EncodeRow(meta, oc.doc)
		if err != nil {
			return nil, err
		}
		if row != nil {
			if err := builder.add(id, row); err != nil {
				return nil, err
			}
		}
	}

	updated, err := UploadChangedSegments(ctx, f.store, previous)
	if err != nil {
		return nil, err
	}
	newSegment, err := builder.build(ctx, f.store)
	if err != nil {
		return nil, err
	}
	return &MultiSegmentBuildResult{NewSegment: newSegment, UpdatedPrevious: updated}, nil
}
