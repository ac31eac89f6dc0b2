package registry

import (
	"testing"

	"github.com/steveyegge/strata/internal/persistence"
	"github.com/steveyegge/strata/internal/segments"
	"github.com/steveyegge/strata/internal/sterrors"
	"github.com/steveyegge/strata/internal/value"
)

func newMeta(id, tablet string, fields ...string) *IndexMeta {
	return &IndexMeta{
		ID:     persistence.IndexID(id),
		Name:   id,
		Tablet: persistence.TabletID(tablet),
		Config: Config{Kind: Database, Fields: fields},
		State:  OnDiskState{Kind: Backfilling},
	}
}

func TestAddGetDrop(t *testing.T) {
	t.Parallel()

	r := New()
	if err := r.Add(newMeta("by_k", "t", "k")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(newMeta("by_k", "t", "k")); err == nil {
		t.Error("duplicate Add should fail")
	}
	if got := r.Get("by_k"); got == nil || got.Name != "by_k" {
		t.Errorf("Get = %+v", got)
	}
	if got := r.Get("missing"); got != nil {
		t.Errorf("Get(missing) = %+v, want nil", got)
	}
	if err := r.Drop("by_k"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if got := r.Get("by_k"); got != nil {
		t.Error("index survives Drop")
	}
}

func TestMonotonicStateTransitions(t *testing.T) {
	t.Parallel()

	r := New()
	meta := newMeta("by_k", "t", "k")
	if err := r.Add(meta); err != nil {
		t.Fatalf("Add: %v", err)
	}

	meta.State.Kind = Backfilled
	if err := r.Update(meta); err != nil {
		t.Fatalf("Backfilling -> Backfilled: %v", err)
	}
	meta.State.Kind = Enabled
	if err := r.Update(meta); err != nil {
		t.Fatalf("Backfilled -> Enabled: %v", err)
	}
	meta.State.Kind = Backfilling
	if err := r.Update(meta); !sterrors.IsFatal(err) {
		t.Errorf("Enabled -> Backfilling error = %v, want Fatal", err)
	}
}

func TestSegmentIDsNeverReintroduced(t *testing.T) {
	t.Parallel()

	r := New()
	segA := segments.Segment{ID: segments.NewID(), NumIndexed: 10}
	segB := segments.Segment{ID: segments.NewID(), NumIndexed: 5}
	meta := &IndexMeta{
		ID:     "vec",
		Name:   "vec",
		Tablet: "t",
		Config: Config{Kind: Vector, VectorField: "v", Dimensions: 4},
		State:  OnDiskState{Kind: SnapshottedAt, Segments: []segments.Segment{segA, segB}},
	}
	if err := r.Add(meta); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A compaction replaces both segments with a merged one.
	merged := segments.Segment{ID: segments.NewID(), NumIndexed: 15}
	meta.State.Segments = []segments.Segment{merged}
	if err := r.Update(meta); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Re-adding a retired id is an integrity violation.
	meta.State.Segments = []segments.Segment{merged, segA}
	if err := r.Update(meta); !sterrors.IsFatal(err) {
		t.Errorf("reintroducing segment error = %v, want Fatal", err)
	}
}

func TestIndexUpdates(t *testing.T) {
	t.Parallel()

	r := New()
	if err := r.Add(newMeta("t.by_k", "t", "k")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(newMeta("t.by_pair", "t", "k", "n")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// An index on another tablet contributes nothing.
	if err := r.Add(newMeta("u.by_k", "u", "k")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	docID := persistence.DocumentID{Tablet: "t", ID: "a"}
	oldDoc := value.Object(value.Field{"k", value.Int64(1)}, value.Field{"n", value.String("x")})
	newDoc := value.Object(value.Field{"k", value.Int64(2)}, value.Field{"n", value.String("x")})

	t.Run("create", func(t *testing.T) {
		updates := r.IndexUpdates(docID, nil, &newDoc)
		if len(updates) != 2 {
			t.Fatalf("got %d updates, want 2", len(updates))
		}
		for _, u := range updates {
			if u.Kind != Add {
				t.Errorf("update %+v, want Add", u)
			}
		}
	})

	t.Run("update changes both keys", func(t *testing.T) {
		updates := r.IndexUpdates(docID, &oldDoc, &newDoc)
		// Both indexes include field k, so both see a remove and an add.
		if len(updates) != 4 {
			t.Fatalf("got %d updates, want 4", len(updates))
		}
	})

	t.Run("no-op update emits nothing", func(t *testing.T) {
		updates := r.IndexUpdates(docID, &newDoc, &newDoc)
		if len(updates) != 0 {
			t.Errorf("got %d updates, want 0", len(updates))
		}
	})

	t.Run("delete removes", func(t *testing.T) {
		updates := r.IndexUpdates(docID, &oldDoc, nil)
		if len(updates) != 2 {
			t.Fatalf("got %d updates, want 2", len(updates))
		}
		for _, u := range updates {
			if u.Kind != Remove {
				t.Errorf("update %+v, want Remove", u)
			}
		}
	})

	t.Run("missing field encodes as undefined", func(t *testing.T) {
		partial := value.Object(value.Field{"n", value.String("x")})
		updates := r.IndexUpdates(docID, nil, &partial)
		if len(updates) != 2 {
			t.Fatalf("got %d updates, want 2", len(updates))
		}
		vals, err := value.DecodeSortKeys(updates[0].Key)
		if err != nil {
			t.Fatalf("DecodeSortKeys: %v", err)
		}
		if !vals[0].IsUndefined() {
			t.Errorf("missing field decoded as %v, want undefined", vals[0])
		}
	})
}

func TestByID(t *testing.T) {
	t.Parallel()

	r := New()
	meta := r.ByID("t")
	if meta.State.Kind != Enabled || !meta.Config.System {
		t.Errorf("by-id meta = %+v, want enabled system index", meta)
	}
	again := r.ByID("t")
	if again.ID != meta.ID {
		t.Error("ByID not stable")
	}
	// The by-id index has no extractor fields and never contributes
	// index updates.
	doc := value.Object(value.Field{"k", value.Int64(1)})
	if updates := r.IndexUpdates(persistence.DocumentID{Tablet: "t", ID: "x"}, nil, &doc); len(updates) != 0 {
		t.Errorf("by-id produced updates: %+v", updates)
	}
}
