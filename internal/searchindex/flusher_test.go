package searchindex

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steveyegge/strata/internal/config"
	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/segments"
	"github.com/steveyegge/strata/internal/value"
)

type harness struct {
	db    *database.Database
	store *segments.MemoryObjectStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.New(persistence.NewMemoryPersistence(), registry.New(), config.Default(), zap.NewNop())
	require.NoError(t, err)
	return &harness{db: db, store: segments.NewMemoryObjectStore()}
}

func (h *harness) textFlusher(t *testing.T, limits Limits) (*Flusher, *MetadataWriter) {
	t.Helper()
	writer := NewMetadataWriter(h.db, h.store, TextIndex{}, zap.NewNop())
	return NewFlusher(h.db, h.store, TextIndex{}, writer, limits, zap.NewNop()), writer
}

func (h *harness) vectorFlusher(t *testing.T, limits Limits) (*Flusher, *MetadataWriter) {
	t.Helper()
	writer := NewMetadataWriter(h.db, h.store, VectorIndex{}, zap.NewNop())
	return NewFlusher(h.db, h.store, VectorIndex{}, writer, limits, zap.NewNop()), writer
}

func (h *harness) commit(t *testing.T, tablet, id string, doc *value.Value) value.Timestamp {
	t.Helper()
	ctx := context.Background()
	tx, err := h.db.Begin(ctx, database.User("test"))
	require.NoError(t, err)
	docID := persistence.DocumentID{Tablet: persistence.TabletID(tablet), ID: id}
	if doc == nil {
		require.NoError(t, tx.Delete(ctx, docID))
	} else {
		require.NoError(t, tx.Replace(ctx, docID, *doc))
	}
	ts, err := h.db.Commit(ctx, tx, "test")
	require.NoError(t, err)
	return ts
}

func textDoc(body string) value.Value {
	return value.Object(value.Field{Name: "body", Value: value.String(body)})
}

func vecDoc(dims int, seed int64) value.Value {
	elems := make([]value.Value, 0, dims)
	for i := 0; i < dims; i++ {
		elems = append(elems, value.Float64(float64(seed)+float64(i)/10))
	}
	return value.Object(value.Field{Name: "embedding", Value: value.Array(elems...)})
}

func testLimits() Limits {
	return Limits{
		IndexSizeSoftLimit:                 1 << 30,
		IncrementalMultipartThresholdBytes: 1 << 20,
		// Zero checkpoint age: every non-empty index is always due, so
		// tests drive flushes deterministically with Step.
		MaxCheckpointAge: 0,
	}
}

// liveIDs reads the union of the segments minus their deleted bitsets.
func (h *harness) liveIDs(t *testing.T, segs []segments.Segment) map[string]int {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]int)
	opened, err := DownloadSegments(ctx, h.store, segs)
	require.NoError(t, err)
	for _, seg := range opened {
		seg.Tracker.Each(func(internal uint32, ext string) {
			if !seg.Deleted.IsDeleted(internal) {
				out[ext]++
			}
		})
	}
	return out
}

// requireLiveSetMatches asserts the segment union equals the table's
// live documents at ts, with no document appearing twice.
func (h *harness) requireLiveSetMatches(t *testing.T, indexID string, ts value.Timestamp) {
	t.Helper()
	meta := h.db.Registry().Get(persistence.IndexID(indexID))
	require.NotNil(t, meta)
	live := h.liveIDs(t, meta.State.Segments)
	docs, err := h.db.Reader().LoadDocumentSnapshot(context.Background(), meta.Tablet, ts, "", 0)
	require.NoError(t, err)
	want := make(map[string]int, len(docs))
	for _, d := range docs {
		want[d.ID.ID] = 1
	}
	require.Equal(t, want, live, "segment union diverges from live set at ts %d", ts)
}

func createTextIndex(t *testing.T, h *harness, id, tablet string) {
	t.Helper()
	require.NoError(t, h.db.CreateIndex(context.Background(), &registry.IndexMeta{
		ID:     persistence.IndexID(id),
		Name:   id,
		Tablet: persistence.TabletID(tablet),
		Config: registry.Config{Kind: registry.Text, SearchField: "body"},
		State:  registry.OnDiskState{Kind: registry.Backfilling},
	}))
}

func TestTextBackfillAndPartialFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.commit(t, "notes", "a", ptr(textDoc("the quick brown fox")))
	h.commit(t, "notes", "b", ptr(textDoc("lazy dogs sleep")))
	createTextIndex(t, h, "notes.search", "notes")

	f, _ := h.textFlusher(t, testLimits())

	// First step completes the backfill in one segment.
	built, _, err := f.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), built["notes.search"])
	meta := h.db.Registry().Get("notes.search")
	require.Equal(t, registry.Backfilled, meta.State.Kind)
	require.Len(t, meta.State.Segments, 1)
	h.requireLiveSetMatches(t, "notes.search", meta.State.SnapshotTS)

	// New writes: an update, a delete, and an insert. The next step
	// flushes one delta segment and patches the old segment's bitset.
	h.commit(t, "notes", "a", ptr(textDoc("updated body text")))
	h.commit(t, "notes", "b", nil)
	ts := h.commit(t, "notes", "c", ptr(textDoc("fresh note")))

	_, _, err = f.Step(ctx)
	require.NoError(t, err)
	meta = h.db.Registry().Get("notes.search")
	require.Equal(t, registry.SnapshottedAt, meta.State.Kind)
	require.Len(t, meta.State.Segments, 2)
	h.requireLiveSetMatches(t, "notes.search", ts)

	// The old segment's bitset carries both stale rows.
	first := meta.State.Segments[0]
	require.Equal(t, uint64(2), first.NumDeleted)
}

func TestFlushWithOnlyDeletesProducesNoSegment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.commit(t, "notes", "a", ptr(textDoc("alpha")))
	h.commit(t, "notes", "b", ptr(textDoc("beta")))
	createTextIndex(t, h, "notes.search", "notes")
	f, _ := h.textFlusher(t, testLimits())
	_, _, err := f.Step(ctx)
	require.NoError(t, err)

	ts := h.commit(t, "notes", "a", nil)
	_, _, err = f.Step(ctx)
	require.NoError(t, err)
	meta := h.db.Registry().Get("notes.search")
	// Still one segment: pure deletes add nothing.
	require.Len(t, meta.State.Segments, 1)
	require.Equal(t, uint64(1), meta.State.Segments[0].NumDeleted)
	h.requireLiveSetMatches(t, "notes.search", ts)
}

func TestVectorIncrementalBackfill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	const dims = 4
	const total = 1000
	for i := 0; i < total; i++ {
		h.commit(t, "embeddings", fmt.Sprintf("vec-%04d", i), ptr(vecDoc(dims, int64(i))))
	}
	require.NoError(t, h.db.CreateIndex(ctx, &registry.IndexMeta{
		ID:     "embeddings.ann",
		Name:   "ann",
		Tablet: "embeddings",
		Config: registry.Config{Kind: registry.Vector, VectorField: "embedding", Dimensions: dims},
		State:  registry.OnDiskState{Kind: registry.Backfilling},
	}))

	limits := testLimits()
	// Each vector estimates at 4*dims bytes; threshold sized so each
	// segment holds ~256 vectors.
	limits.IncrementalMultipartThresholdBytes = 4 * dims * 256
	f, _ := h.vectorFlusher(t, limits)

	// Three partial passes plus the final one.
	for pass := 0; pass < 3; pass++ {
		_, _, err := f.Step(ctx)
		require.NoError(t, err)
		meta := h.db.Registry().Get("embeddings.ann")
		require.Equal(t, registry.Backfilling, meta.State.Kind, "pass %d", pass)
		require.Len(t, meta.State.Segments, pass+1)
		require.Equal(t, uint64(256), meta.State.Segments[pass].NumIndexed)
	}
	_, _, err := f.Step(ctx)
	require.NoError(t, err)
	meta := h.db.Registry().Get("embeddings.ann")
	require.Equal(t, registry.Backfilled, meta.State.Kind)
	require.Len(t, meta.State.Segments, 4)

	// Reading at the backfill-complete timestamp returns all 1000 live
	// vectors.
	h.requireLiveSetMatches(t, "embeddings.ann", meta.State.SnapshotTS)
	live := h.liveIDs(t, meta.State.Segments)
	require.Len(t, live, total)

	// Progress row cleared on completion.
	progress, err := h.db.GetBackfillProgress(ctx, "embeddings.ann")
	require.NoError(t, err)
	require.Nil(t, progress)
}

func TestBuildReasonSelection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.commit(t, "notes", "a", ptr(textDoc("hello world")))
	createTextIndex(t, h, "notes.search", "notes")

	limits := testLimits()
	limits.MaxCheckpointAge = time.Hour // nothing is old
	f, _ := h.textFlusher(t, limits)

	jobs, _, err := f.needsBuild(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, ReasonBackfilling, jobs[0].Reason)

	_, _, err = f.Step(ctx)
	require.NoError(t, err)

	// Fresh, small, current: nothing to do.
	jobs, _, err = f.needsBuild(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)

	// Size pressure dominates.
	limits.IndexSizeSoftLimit = 0
	f, _ = h.textFlusher(t, limits)
	jobs, _, err = f.needsBuild(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, ReasonTooLarge, jobs[0].Reason)

	// Age triggers only for non-empty indexes.
	limits = testLimits()
	f, _ = h.textFlusher(t, limits)
	jobs, _, err = f.needsBuild(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, ReasonTooOld, jobs[0].Reason)
}

func TestVersionMismatchRebuild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	createTextIndex(t, h, "notes.search", "notes")
	f, _ := h.textFlusher(t, testLimits())
	setupSegmentedIndex(t, h, f, 2, 3)
	h.commit(t, "notes", "doc-000", nil) // a delete the rebuild must honor

	// Age the index onto an older segment format.
	stale := h.db.Registry().Get("notes.search")
	oldIDs := make(map[segments.ID]bool)
	stale.State.Version = 0
	for i := range stale.State.Segments {
		stale.State.Segments[i].Version = 0
		oldIDs[stale.State.Segments[i].ID] = true
	}
	require.NoError(t, h.db.CommitIndexMetadata(ctx, stale, "test_downgrade"))

	// Old-format artifacts may be unreadable; deleting them outright
	// proves the rebuild never opens them.
	for _, seg := range stale.State.Segments {
		require.NoError(t, h.store.Delete(ctx, seg.DataKey))
		require.NoError(t, h.store.Delete(ctx, seg.IDTrackerKey))
		require.NoError(t, h.store.Delete(ctx, seg.DeletedBitsetKey))
	}

	jobs, _, err := f.needsBuild(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, ReasonVersionMismatch, jobs[0].Reason)

	_, _, err = f.Step(ctx)
	require.NoError(t, err)

	// The index is migrated, not just re-stamped: one fresh segment at
	// the current format, every old segment gone.
	meta := h.db.Registry().Get("notes.search")
	require.Equal(t, registry.SnapshottedAt, meta.State.Kind)
	require.Equal(t, segments.FormatVersion, meta.State.Version)
	require.Len(t, meta.State.Segments, 1)
	require.Equal(t, segments.FormatVersion, meta.State.Segments[0].Version)
	require.False(t, oldIDs[meta.State.Segments[0].ID])
	h.requireLiveSetMatches(t, "notes.search", meta.State.SnapshotTS)

	// A current-format index is not selected for another rebuild.
	limits := testLimits()
	limits.MaxCheckpointAge = time.Hour
	fresh, _ := h.textFlusher(t, limits)
	jobs, _, err = fresh.needsBuild(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestCompactorSkipsStaleVersionIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	createTextIndex(t, h, "notes.search", "notes")
	f, writer := h.textFlusher(t, testLimits())
	setupSegmentedIndex(t, h, f, 2, 2)

	stale := h.db.Registry().Get("notes.search")
	stale.State.Version = 0
	require.NoError(t, h.db.CommitIndexMetadata(ctx, stale, "test_downgrade"))

	compactor := NewCompactor(h.db, h.store, TextIndex{}, writer, DefaultPolicy(1_000_000), zap.NewNop())
	compacted, err := compactor.CompactIndex(ctx, "notes.search")
	require.NoError(t, err)
	require.False(t, compacted)
}

func TestEmptyWindowFastForwards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.commit(t, "notes", "a", ptr(textDoc("hello")))
	createTextIndex(t, h, "notes.search", "notes")
	f, _ := h.textFlusher(t, testLimits())
	_, _, err := f.Step(ctx)
	require.NoError(t, err)
	meta := h.db.Registry().Get("notes.search")
	snapshotTS := meta.State.SnapshotTS

	// Another commit to an unrelated tablet advances the log without
	// touching the indexed table. The next build finds an empty window
	// and fast-forwards instead of rewriting metadata.
	h.commit(t, "elsewhere", "x", ptr(textDoc("noise")))
	_, _, err = f.Step(ctx)
	require.NoError(t, err)

	after := h.db.Registry().Get("notes.search")
	require.Equal(t, snapshotTS, after.State.SnapshotTS, "metadata should not move")
	require.Equal(t, len(meta.State.Segments), len(after.State.Segments))

	ff, err := h.db.FastForwardTS(ctx, "notes.search", snapshotTS)
	require.NoError(t, err)
	require.Greater(t, int64(ff), int64(snapshotTS))
}

func ptr(v value.Value) *value.Value { return &v }
