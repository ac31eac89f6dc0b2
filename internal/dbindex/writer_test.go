package dbindex

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/steveyegge/strata/internal/config"
	"github.com/steveyegge/strata/internal/database"
	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/registry"
	"github.com/steveyegge/strata/internal/value"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(persistence.NewMemoryPersistence(), registry.New(), config.Default(), zap.NewNop())
	require.NoError(t, err)
	return db
}

func commitDoc(t *testing.T, db *database.Database, tablet, id string, doc *value.Value) value.Timestamp {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx, database.User("test"))
	require.NoError(t, err)
	docID := persistence.DocumentID{Tablet: persistence.TabletID(tablet), ID: id}
	if doc == nil {
		require.NoError(t, tx.Delete(ctx, docID))
	} else {
		require.NoError(t, tx.Replace(ctx, docID, *doc))
	}
	ts, err := db.Commit(ctx, tx, "test")
	require.NoError(t, err)
	return ts
}

func objK(k int64) value.Value {
	return value.Object(value.Field{Name: "k", Value: value.Int64(k)})
}

// referenceEntries projects the live documents of tablet at ts under the
// index's extractor. This is the model the real index must match.
func referenceEntries(t *testing.T, db *database.Database, tablet string, fields []string, ts value.Timestamp) map[string]string {
	t.Helper()
	docs, err := db.Reader().LoadDocumentSnapshot(context.Background(), persistence.TabletID(tablet), ts, "", 0)
	require.NoError(t, err)
	out := make(map[string]string)
	for _, doc := range docs {
		vals := make([]value.Value, 0, len(fields))
		for _, f := range fields {
			vals = append(vals, doc.Value.GetPath(f))
		}
		out[doc.ID.ID] = string(value.SortKeys(vals))
	}
	return out
}

// indexEntries reads the real index at ts as doc -> key.
func indexEntries(t *testing.T, db *database.Database, indexID string, ts value.Timestamp) map[string]string {
	t.Helper()
	res, err := db.Reader().IndexScan(context.Background(), persistence.IndexID(indexID), persistence.All(), ts, value.Asc, 0)
	require.NoError(t, err)
	out := make(map[string]string)
	for _, r := range res {
		out[r.Entry.DocID.ID] = string(r.Entry.Key)
	}
	return out
}

// requireIndexConsistent asserts the index equals the reference
// projection at every commit timestamp in tss.
func requireIndexConsistent(t *testing.T, db *database.Database, indexID, tablet string, fields []string, tss []value.Timestamp) {
	t.Helper()
	for _, ts := range tss {
		want := referenceEntries(t, db, tablet, fields, ts)
		got := indexEntries(t, db, indexID, ts)
		require.Equal(t, want, got, "index %s inconsistent at ts %d", indexID, ts)
	}
}

func TestBackfillMatchesReferenceAtEveryTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	// A history with creates, updates, and deletes before the index
	// exists.
	var tss []value.Timestamp
	doc1, doc2, doc3 := objK(1), objK(2), objK(3)
	tss = append(tss, commitDoc(t, db, "tbl", "a", &doc1))
	tss = append(tss, commitDoc(t, db, "tbl", "b", &doc2))
	tss = append(tss, commitDoc(t, db, "tbl", "a", &doc3)) // key change
	tss = append(tss, commitDoc(t, db, "tbl", "b", nil))   // delete
	tss = append(tss, commitDoc(t, db, "tbl", "c", &doc2))

	meta := &registry.IndexMeta{
		ID:     "tbl.by_k",
		Name:   "by_k",
		Tablet: "tbl",
		Config: registry.Config{Kind: registry.Database, Fields: []string{"k"}},
		State:  registry.OnDiskState{Kind: registry.Backfilling},
	}
	require.NoError(t, db.CreateIndex(ctx, meta))

	writer := NewWriter(db, zap.NewNop())
	worker := NewWorker(db, writer, zap.NewNop())
	require.NoError(t, worker.RunOnce(ctx))

	got := db.Registry().Get("tbl.by_k")
	require.Equal(t, registry.Enabled, got.State.Kind)

	// The full retention window (floor is 0) must agree with the
	// reference at every historical timestamp.
	requireIndexConsistent(t, db, "tbl.by_k", "tbl", []string{"k"}, tss)
}

func TestLiveWritesAfterBackfill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	doc := objK(7)
	ts0 := commitDoc(t, db, "tbl", "a", &doc)

	meta := &registry.IndexMeta{
		ID:     "tbl.by_k",
		Name:   "by_k",
		Tablet: "tbl",
		Config: registry.Config{Kind: registry.Database, Fields: []string{"k"}},
		State:  registry.OnDiskState{Kind: registry.Backfilling},
	}
	require.NoError(t, db.CreateIndex(ctx, meta))
	worker := NewWorker(db, NewWriter(db, zap.NewNop()), zap.NewNop())
	require.NoError(t, worker.RunOnce(ctx))

	// Post-backfill commits maintain the index on the commit path.
	doc2 := objK(9)
	ts1 := commitDoc(t, db, "tbl", "a", &doc2)
	ts2 := commitDoc(t, db, "tbl", "b", &doc)

	requireIndexConsistent(t, db, "tbl.by_k", "tbl", []string{"k"}, []value.Timestamp{ts0, ts1, ts2})
}

func TestBackfillResumeFromCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	const total = 200
	var tss []value.Timestamp
	for i := 0; i < total; i++ {
		doc := objK(int64(i % 17))
		tss = append(tss, commitDoc(t, db, "tbl", fmt.Sprintf("doc-%04d", i), &doc))
	}

	meta := &registry.IndexMeta{
		ID:     "tbl.by_k",
		Name:   "by_k",
		Tablet: "tbl",
		Config: registry.Config{Kind: registry.Database, Fields: []string{"k"}},
		State:  registry.OnDiskState{Kind: registry.Backfilling},
	}
	require.NoError(t, db.CreateIndex(ctx, meta))

	// First run: scan part of the table by hand, recording progress the
	// way the worker does, then "crash".
	writer := NewWriter(db, zap.NewNop())
	snapshotTS := db.LatestTS()
	selector := SelectOne("tbl", "tbl.by_k")
	iter := db.TableIterator(snapshotTS, 60)
	chunk, err := iter.NextChunk(ctx, "tbl", "")
	require.NoError(t, err)
	var entries []persistence.IndexEntry
	for _, d := range chunk.Docs {
		v := d.Value
		for _, u := range db.Registry().IndexUpdates(d.ID, nil, &v) {
			if selector.Matches(u) {
				entries = append(entries, u.Entry(d.TS))
			}
		}
	}
	require.NoError(t, db.Persistence().Write(ctx, nil, entries, persistence.ConflictOverwrite))
	require.NoError(t, db.UpdateBackfillProgress(ctx, database.BackfillProgress{
		IndexID:        "tbl.by_k",
		Tablet:         "tbl",
		NumDocsIndexed: uint64(len(chunk.Docs)),
		Cursor:         chunk.Cursor,
		SnapshotTS:     int64(snapshotTS.TS()),
	}))

	// Restarted worker resumes from the recorded cursor and finishes.
	worker := NewWorker(db, writer, zap.NewNop())
	require.NoError(t, worker.RunOnce(ctx))

	got := db.Registry().Get("tbl.by_k")
	require.Equal(t, registry.Enabled, got.State.Kind)
	requireIndexConsistent(t, db, "tbl.by_k", "tbl", []string{"k"}, tss)

	// Progress row is gone.
	progress, err := db.GetBackfillProgress(ctx, "tbl.by_k")
	require.NoError(t, err)
	require.Nil(t, progress)
}

func TestBackwardBackfillCompleteness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	// Build history where a document's prior revision predates the
	// backward range, exercising the prior-rev re-add.
	doc1, doc2 := objK(1), objK(2)
	tsA := commitDoc(t, db, "tbl", "x", &doc1)
	tsB := commitDoc(t, db, "tbl", "x", &doc2)
	tsC := commitDoc(t, db, "tbl", "y", &doc1)
	tsD := commitDoc(t, db, "tbl", "x", nil)

	meta := &registry.IndexMeta{
		ID:     "tbl.by_k",
		Name:   "by_k",
		Tablet: "tbl",
		Config: registry.Config{Kind: registry.Database, Fields: []string{"k"}},
		State:  registry.OnDiskState{Kind: registry.Backfilling},
	}
	require.NoError(t, db.CreateIndex(ctx, meta))

	writer := NewWriter(db, zap.NewNop())
	selector := SelectOne("tbl", "tbl.by_k")

	// Snapshot pass at the head, then walk the whole log backwards.
	snapshotTS := db.LatestTS()
	_, err := writer.BackfillSnapshotOfTable(ctx, snapshotTS, selector, "tbl", "", nil)
	require.NoError(t, err)
	require.NoError(t, writer.PerformRetentionBackfill(ctx, snapshotTS, selector))

	// Historical reads across the whole window, including between a
	// document's two revisions, match the reference.
	requireIndexConsistent(t, db, "tbl.by_k", "tbl", []string{"k"}, []value.Timestamp{tsA, tsB, tsC, tsD})
}

func TestForwardBackfill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	doc1 := objK(1)
	ts0 := commitDoc(t, db, "tbl", "a", &doc1)

	meta := &registry.IndexMeta{
		ID:     "tbl.by_k",
		Name:   "by_k",
		Tablet: "tbl",
		Config: registry.Config{Kind: registry.Database, Fields: []string{"k"}},
		State:  registry.OnDiskState{Kind: registry.Backfilling},
	}
	require.NoError(t, db.CreateIndex(ctx, meta))
	writer := NewWriter(db, zap.NewNop())
	selector := SelectOne("tbl", "tbl.by_k")

	// Make the index consistent up to ts0 via the snapshot pass.
	snap0 := db.LatestTS()
	_, err := writer.BackfillSnapshotOfTable(ctx, snap0, selector, "tbl", "", nil)
	require.NoError(t, err)

	// More commits land while the index is still backfilling (the live
	// path skips Backfilling indexes).
	doc2 := objK(5)
	ts1 := commitDoc(t, db, "tbl", "a", &doc2)
	ts2 := commitDoc(t, db, "tbl", "b", &doc1)

	// The forward pass catches the index up.
	require.NoError(t, writer.BackfillForwards(ctx, ts0+1, db.LatestTS(), selector))
	requireIndexConsistent(t, db, "tbl.by_k", "tbl", []string{"k"}, []value.Timestamp{ts0, ts1, ts2})
}

func TestRetentionCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	doc1, doc2 := objK(1), objK(2)
	commitDoc(t, db, "tbl", "a", &doc1)
	ts1 := commitDoc(t, db, "tbl", "a", &doc2)

	meta := &registry.IndexMeta{
		ID:     "tbl.by_k",
		Name:   "by_k",
		Tablet: "tbl",
		Config: registry.Config{Kind: registry.Database, Fields: []string{"k"}},
		State:  registry.OnDiskState{Kind: registry.Backfilling},
	}
	require.NoError(t, db.CreateIndex(ctx, meta))
	worker := NewWorker(db, NewWriter(db, zap.NewNop()), zap.NewNop())
	require.NoError(t, worker.RunOnce(ctx))

	// Raise the floor above the first revision and clean up.
	require.NoError(t, db.AdvanceRetention(ctx, ts1))
	writer := NewWriter(db, zap.NewNop())
	require.NoError(t, writer.RunRetention(ctx, SelectOne("tbl", "tbl.by_k")))

	// Reads at or above the floor still see exactly the live set.
	requireIndexConsistent(t, db, "tbl.by_k", "tbl", []string{"k"}, []value.Timestamp{ts1})
}
